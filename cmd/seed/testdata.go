package main

import (
	"encoding/json"
	"fmt"

	"github.com/kimsama/lrsql/internal/xapi"
)

var seedLearners = []string{
	"mailto:ada@example.org",
	"mailto:grace@example.org",
	"mailto:edsger@example.org",
}

var seedCourses = []string{
	"https://courses.example.org/xapi/intro",
	"https://courses.example.org/xapi/statements-deep-dive",
}

// sampleStatements builds a small completed/experienced mix so a fresh
// database has something to query.
func sampleStatements() []*xapi.Statement {
	var out []*xapi.Statement
	for i, mbox := range seedLearners {
		course := seedCourses[i%len(seedCourses)]
		verb := "http://adlnet.gov/expapi/verbs/experienced"
		if i%2 == 0 {
			verb = "http://adlnet.gov/expapi/verbs/completed"
		}
		object, _ := json.Marshal(map[string]any{
			"objectType": "Activity",
			"id":         course,
			"definition": map[string]any{
				"name": map[string]string{"en-US": fmt.Sprintf("Course %d", i%len(seedCourses)+1)},
			},
		})
		out = append(out, &xapi.Statement{
			Actor:  xapi.Agent{Mbox: mbox},
			Verb:   xapi.Verb{ID: verb, Display: map[string]string{"en-US": "seeded"}},
			Object: object,
		})
	}
	return out
}
