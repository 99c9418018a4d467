package sync

// Remote object types.
const (
	ObjectProgram    = "Program"
	ObjectEnrollment = "ProgramEnrollment"
	ObjectAccount    = "Account"
	ObjectBenefit    = "BenefitAssignment"
)

var (
	programFields = []string{"Id", "Name", "UUID__c", "LastModifiedDate"}

	enrollmentFields = []string{
		"Id", "UUID__c", "ProgramId", "AccountId", "StartDate", "EndDate",
		"Status", "Entered_into_HMIS__c", "Exited_from_HMIS__c", "LastModifiedDate",
	}

	accountFields = []string{
		"Id", "IsPersonAccount", "PersonFirstName", "PersonLastName",
		"PersonBirthdate", "PersonEmail", "Phone", "UUID__c", "LastModifiedDate",
	}

	benefitFields = []string{
		"Id", "UUID__c", "Name", "ProgramEnrollmentId", "Status",
		"Frequency", "Amount__c", "Balance__c", "LastModifiedDate",
	}
)
