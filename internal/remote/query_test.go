package remote

import (
	"testing"

	"github.com/sebdah/goldie/v2"
)

func TestQueryBuilder(t *testing.T) {
	tests := []struct {
		name  string
		query *Query
	}{
		{
			name: "programs_by_prefix",
			query: Select("Id", "Name", "UUID__c", "LastModifiedDate").
				From("Program").
				Where(AnyPrefix("Name", "Street", " ", "Nest_")).
				OrderBy("Name"),
		},
		{
			name: "active_enrollments",
			query: Select("Id", "ProgramId", "AccountId", "Status").
				From("ProgramEnrollment").
				Where(In("ProgramId", "P1", "", "P2")).
				Where(Or(Eq("Status", "Active"), Eq("EndDate", nil), Gte("EndDate", Today))).
				OrderBy("LastModifiedDate DESC"),
		},
		{
			name: "person_accounts",
			query: Select("Id").
				From("Account").
				Where(And(Eq("IsPersonAccount", true), In("Id", "A1"))).
				Limit(200),
		},
		{
			name:  "escaped_literal",
			query: Select("Id").From("Account").Where(Eq("LastName", `O'Brien \ Sons`)),
		},
	}

	g := goldie.New(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g.Assert(t, tt.name, []byte(tt.query.String()))
		})
	}
}

func TestAnyPrefix_NoPrefixesOmitsWhere(t *testing.T) {
	got := Select("Id").From("Program").Where(AnyPrefix("Name")).String()
	if want := "SELECT Id FROM Program"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
