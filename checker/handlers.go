package checker

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/freundallein/corrector/chassis/protocol"
)

// template - canned grading material per language
type template struct {
	grades   []float64
	feedback []string
	warnings []string
	ext      string
}

var templates = map[string]template{
	"java": {
		grades: []float64{8.5, 9.0, 9.25, 9.5, 9.75, 10.0, 7.5, 8.0, 6.5, 7.0, 8.75, 9.8},
		feedback: []string{
			"- Excel·lent implementació del patró MVC\n- Codi ben estructurat i documentat",
			"- Bon ús de les estructures de dades\n- Es podria millorar la gestió d'excepcions",
			"- Implementació correcta dels algorismes\n- Es podrien afegir més casos de prova",
			"- Bon ús de l'herència i polimorfisme\n- La documentació interna és clara",
		},
		warnings: []string{
			"warning: [unchecked] unchecked call to addElement(E) as a member of the raw type DefaultListModel",
			"warning: [deprecation] method deprecated since version 1.8",
			"warning: [rawtypes] found raw type: ArrayList",
			"warning: unused import java.util.Vector",
		},
		ext: "java",
	},
	"python": {
		grades: []float64{8.0, 8.5, 9.0, 9.5, 10.0, 7.5, 9.25, 6.5, 7.0, 8.75, 9.8},
		feedback: []string{
			"- Codi pythònic i ben estructurat\n- Documentació clara amb docstrings",
			"- Bon maneig d'excepcions\n- Tests unitaris ben implementats",
			"- Bon ús de generadors i iteradors\n- La modularitat del codi és excel·lent",
			"- El codi segueix les convencions PEP 8\n- La gestió d'errors és adequada",
		},
		warnings: []string{
			"PEP 8: line too long (85 > 79 characters)",
			"unused import 'sys'",
			"variable 'temp' is assigned but never used",
			"imported but unused module 'os'",
		},
		ext: "py",
	},
}

const qualificationHeader = "Identificador,Nom complet,Número ID,Estat,Qualificació,Qualificació màxima," +
	"Es pot canviar la qualificació,Darrera modificació (tramesa),Darrera modificació (qualificació)," +
	"Comentaris de retroalimentació"

// Handler grades one request for a language.
type Handler func(ctx context.Context, req *protocol.CorrectionRequest) (map[string]interface{}, error)

// grader produces simulated reports.
type grader struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

func newGrader(seed int64) *grader {
	return &grader{
		rnd: rand.New(rand.NewSource(seed)),
		now: time.Now,
	}
}

func (g *grader) intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rnd.Intn(n)
}

// handlers returns one handler per supported language.
func (g *grader) handlers() map[string]Handler {
	out := make(map[string]Handler, len(templates))
	for language := range templates {
		out[language] = g.handle(language)
	}
	return out
}

func (g *grader) handle(language string) Handler {
	tpl := templates[language]
	return func(ctx context.Context, req *protocol.CorrectionRequest) (map[string]interface{}, error) {
		return g.report(tpl, req), nil
	}
}

func (g *grader) report(tpl template, req *protocol.CorrectionRequest) map[string]interface{} {
	now := g.now()
	grade := tpl.grades[g.intn(len(tpl.grades))]
	feedback := tpl.feedback[g.intn(len(tpl.feedback))]

	var build string
	warnings := g.intn(len(tpl.warnings))
	if warnings == 0 {
		build = "Compilation successful with no warnings."
	} else {
		lines := make([]string, 0, warnings)
		for _, w := range tpl.warnings[:warnings] {
			lines = append(lines, fmt.Sprintf("/path/to/%s/src/file.%s: %s", req.StudentDir, tpl.ext, w))
		}
		build = strings.Join(lines, "\n") + fmt.Sprintf("\n%d warnings\n", warnings)
	}

	row := fmt.Sprintf(`Participant%d,STUDENT NAME,%s,S'ha tramès per qualificar,"%s","10,00",Sí,"%s",-,"%s"`,
		1000000+g.intn(9000000),
		req.StudentID,
		strings.Replace(fmt.Sprintf("%.2f", grade), ".", ",", 1),
		now.Format("Monday, 02 January 2006, 15:04"),
		strings.ReplaceAll(feedback, "\n", "<br>"),
	)
	prefix := strings.ToUpper(req.Task)
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	var contributions strings.Builder
	contributions.WriteString("```\n")
	for _, line := range strings.Split(feedback, "\n") {
		if strings.TrimSpace(line) != "" {
			fmt.Fprintf(&contributions, "manual %s ; %s\n", prefix, line)
		}
	}
	contributions.WriteString("\n```")

	checks := fmt.Sprintf("/home/teacher/tasks/%s/%s/%s/%s/report/checks.out.html",
		req.Subject, req.Year, req.Task, req.StudentID)
	return map[string]interface{}{
		"Student Report": map[string]interface{}{
			"Student ID":                                req.StudentID,
			"Report Date":                               now.Format("Mon Jan 02 03:04:05 PM MST 2006"),
			"Qualification Table Entry":                 "```\n" + qualificationHeader + "\n" + row + "\n```",
			"Filtered and Sorted Feedback Contributions": contributions.String(),
			"Non-Filtered Feedback Contributions":       contributions.String(),
			"Submission Build Output":                   "```\n" + build + "\n```",
			"Additional Information": map[string]interface{}{
				"Checks Output": []string{fmt.Sprintf("[%s](file://%s)", checks, checks)},
			},
		},
	}
}
