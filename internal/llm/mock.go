package llm

import (
	"context"
	"sync"
)

// Mock is a deterministic provider for tests and GOVERNANCE_MOCK_REVIEW runs.
// Each role gets a fixed, shape-correct JSON response; tests may override a
// role's response or record the prompts that were sent.
type Mock struct {
	mu        sync.Mutex
	responses map[Role]string
	prompts   []Request
	err       error
}

// NewMock creates a mock provider with approved/benign defaults.
func NewMock() *Mock {
	return &Mock{
		responses: map[Role]string{
			RoleReview:   `{"verdict":"approved","findings":[],"guidance":"Mock review: automatically approved.","standards_verified":[],"strengths_summary":"mock"}`,
			RoleTriage:   `{"verdict":"known_pattern","analysis":"Mock triage: no escalation.","escalate":false,"recommendations":[]}`,
			RoleAnalysis: `{"analysis":"Mock analysis.","recommendations":[],"escalate_to_opus":false}`,
			RoleDeepDive: `{"analysis":"Mock deep dive.","root_causes":[],"recommendations":[],"setting_changes":{},"prompt_assessments":{}}`,
			RoleDistill:  `{"key_points":[],"constraints":[],"key_decisions":[]}`,
		},
	}
}

// Name implements Provider.
func (m *Mock) Name() string { return "mock" }

// Complete implements Provider.
func (m *Mock) Complete(_ context.Context, req Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, req)
	if m.err != nil {
		return "", m.err
	}
	if resp, ok := m.responses[req.Role]; ok {
		return resp, nil
	}
	return m.responses[RoleReview], nil
}

// SetResponse overrides the canned response for a role.
func (m *Mock) SetResponse(role Role, resp string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[role] = resp
}

// Fail makes every subsequent call return err.
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Prompts returns a copy of the requests seen so far.
func (m *Mock) Prompts() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.prompts))
	copy(out, m.prompts)
	return out
}
