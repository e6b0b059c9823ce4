package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/autoflow/internal/provider"
	"github.com/ShayCichocki/autoflow/pkg/models"
)

// ProviderAgent adapts a model provider to the pipeline's StepRunner and
// Implementer interfaces. Implementation and verification both run as
// single provider queries; the step verdict is parsed from the response.
type ProviderAgent struct {
	provider provider.Provider
	// workdir is the repository the agent operates in.
	workdir string
	logger  *DebugLogger
}

// NewProviderAgent creates a ProviderAgent.
func NewProviderAgent(p provider.Provider, workdir string, logger *DebugLogger) *ProviderAgent {
	return &ProviderAgent{provider: p, workdir: workdir, logger: logger}
}

// Implement runs the implementation stage for a feature. Feedback from a
// failed verification step is included so the agent addresses the
// reported issues instead of starting over.
func (a *ProviderAgent) Implement(ctx context.Context, f *models.Feature, feedback []models.Issue) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement the following feature.\n\nTitle: %s\n", f.Title)
	if f.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", f.Description)
	}
	if f.BranchName != "" {
		fmt.Fprintf(&b, "Branch: %s\n", f.BranchName)
	}
	if len(feedback) > 0 {
		b.WriteString("\nA verification step rejected the previous attempt. Address these issues:\n")
		for _, issue := range feedback {
			fmt.Fprintf(&b, "- [%s] %s\n", issue.Severity, issue.Summary)
		}
	}

	_, err := a.query(ctx, provider.Query{
		Prompt: b.String(),
		System: implementSystemPrompt,
		CWD:    a.workdir,
	})
	return err
}

// RunStep runs one verification step and parses the verdict from the
// response.
func (a *ProviderAgent) RunStep(ctx context.Context, step models.StepConfig, f *models.Feature, prior []models.Issue) (models.StepResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Run a %s check on the implementation of this feature.\n\nTitle: %s\n", step.Type, f.Title)
	if f.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", f.Description)
	}
	if len(prior) > 0 {
		b.WriteString("\nPreviously reported issues (do not repeat ones that are fixed):\n")
		for _, issue := range prior {
			fmt.Fprintf(&b, "- [%s] %s\n", issue.Severity, issue.Summary)
		}
	}

	text, err := a.query(ctx, provider.Query{
		Prompt: b.String(),
		System: stepSystemPrompt(step.Type),
		CWD:    a.workdir,
	})
	if err != nil {
		return models.StepResult{}, err
	}

	res := parseStepResult(step.ID, text)
	a.logger.Log("[agent] step %s for %s: %s (%d issues)", step.ID, f.ID, res.Status, len(res.Issues))
	return res, nil
}

// query drains one provider exchange and returns the final text.
func (a *ProviderAgent) query(ctx context.Context, q provider.Query) (string, error) {
	msgs, err := a.provider.ExecuteQuery(ctx, q)
	if err != nil {
		return "", err
	}

	var text string
	for msg := range msgs {
		switch msg.Type {
		case provider.MessageResult:
			text = msg.Text
		case provider.MessageError:
			return "", errors.New(msg.Err)
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return text, nil
}

const implementSystemPrompt = `You are an autonomous coding agent. Implement the requested feature in the current repository. Make the smallest coherent change that satisfies the description, and keep the build green.`

func stepSystemPrompt(t models.StepType) string {
	intro := map[models.StepType]string{
		models.StepReview:      "You are a code reviewer. Check the implementation for correctness, clarity, and unhandled edge cases.",
		models.StepSecurity:    "You are a security reviewer. Check the implementation for injection, authentication, and data exposure problems.",
		models.StepPerformance: "You are a performance reviewer. Check the implementation for avoidable allocations, quadratic behavior, and blocking calls on hot paths.",
		models.StepTest:        "You are a test engineer. Check that the implementation has meaningful test coverage and that the tests pass.",
		models.StepCustom:      "You are a reviewer. Check the implementation against the step's intent.",
	}[t]

	return intro + `

End your response with exactly one verdict line:
VERDICT: PASS
or
VERDICT: FAIL
If the verdict is FAIL, list each issue on its own line before the verdict, formatted as:
- [severity] summary`
}

// parseStepResult extracts the verdict and issue list from a step
// response. A response without a verdict line counts as a failure with
// the raw text attached, so a malformed reply never silently passes.
func parseStepResult(stepID, text string) models.StepResult {
	res := models.StepResult{StepID: stepID, Status: models.StepFailed, Iterations: 1}

	verdictSeen := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "VERDICT:"); ok {
			verdictSeen = true
			if strings.EqualFold(strings.TrimSpace(v), "PASS") {
				res.Status = models.StepPassed
			} else {
				res.Status = models.StepFailed
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "- ["); ok {
			sev, summary, found := strings.Cut(rest, "]")
			if !found {
				continue
			}
			res.Issues = append(res.Issues, models.Issue{
				Severity: strings.TrimSpace(sev),
				Summary:  strings.TrimSpace(summary),
			})
		}
	}

	if !verdictSeen {
		res.Issues = append(res.Issues, models.Issue{
			Severity: "error",
			Summary:  "step response had no verdict line",
		})
	}
	return res
}
