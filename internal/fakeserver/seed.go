package fakeserver

import (
	"strings"
)

// Seed loads the demo layouts, records and scripts
func Seed(s *Store) {
	s.AddLayout(LayoutDef{
		Name:  "People",
		Table: "People",
		Fields: []FieldDef{
			{Name: "FirstName"},
			{Name: "LastName"},
			{Name: "City"},
			{Name: "Age", Result: ResultNumber},
			{Name: "Birthday", Result: ResultDate},
			{Name: "Notes"},
			{Name: "Photo", Result: ResultContainer},
			{Name: "FullName", Kind: FieldCalculation},
			{Name: "gSearch", Global: true},
		},
		Portals: []PortalDef{{
			Name:  "Projects",
			Table: "Projects",
			Fields: []FieldDef{
				{Name: "Projects::Name"},
				{Name: "Projects::Status"},
			},
		}},
	})
	s.AddLayout(LayoutDef{
		Name:   "Projects",
		Table:  "Projects",
		Folder: "Lists",
		Fields: []FieldDef{
			{Name: "Name"},
			{Name: "Status"},
			{Name: "Budget", Result: ResultNumber},
		},
	})
	s.AddLayout(LayoutDef{
		Name:   "People List",
		Table:  "People",
		Folder: "Lists",
		Fields: []FieldDef{
			{Name: "FirstName"},
			{Name: "LastName"},
		},
	})

	people := []struct {
		first, last, city, age string
		projects               []string
	}{
		{"Ada", "Lovelace", "London", "36", []string{"Engine", "Notes"}},
		{"Grace", "Hopper", "New York", "85", []string{"Compiler"}},
		{"Alan", "Turing", "Wilmslow", "41", nil},
		{"Edsger", "Dijkstra", "Nuenen", "72", []string{"Semaphores", "Shortest Path", "Structured Programming"}},
		{"Barbara", "Liskov", "Boston", "84", nil},
	}
	for _, p := range people {
		var rows []interface{}
		for _, name := range p.projects {
			rows = append(rows, map[string]interface{}{"Projects::Name": name, "Projects::Status": "Done"})
		}
		portals := map[string]interface{}{}
		if len(rows) > 0 {
			portals["Projects"] = rows
		}
		_, _, _ = s.Create("People", map[string]interface{}{
			"FirstName": p.first,
			"LastName":  p.last,
			"City":      p.city,
			"Age":       p.age,
			"FullName":  p.first + " " + p.last,
		}, portals)
	}

	s.AddScript("Echo", "", func(param string) (string, string) {
		return param, ""
	})
	s.AddScript("Uppercase", "Utilities", func(param string) (string, string) {
		return strings.ToUpper(param), ""
	})
	s.AddScript("Fail", "Utilities", func(param string) (string, string) {
		if param == "" {
			param = "5"
		}
		return "", param
	})
}
