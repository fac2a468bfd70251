package routing

import (
	"sort"
	"strings"
)

// DefaultTable maps task types to the model best suited for them.
var DefaultTable = map[string]string{
	"creative":      "gemini-2.5-pro",
	"reasoning":     "gemini-2.5-pro",
	"research":      "gemini-2.5-pro",
	"vision":        "gemini-2.5-pro",
	"factual":       "gemini-2.0-flash",
	"translation":   "gemini-2.0-flash",
	"summarization": "gemini-2.0-flash",
	"code":          "gemini-2.0-flash",
}

// Recommendations names a model per optimisation goal for /v1/agents/models.
var Recommendations = map[string]string{
	"speed":     "gemini-2.0-flash",
	"quality":   "gemini-2.5-pro",
	"cost":      "gemini-2.0-flash",
	"reasoning": "gemini-2.5-pro",
}

// Resolve picks the model for a task. Precedence, highest first: the task's
// explicit override, the chain's routing table, the global table, then
// defaultModel. It always resolves.
func Resolve(taskType, override string, chainTable, globalTable map[string]string, defaultModel string) string {
	if override = strings.TrimSpace(override); override != "" {
		return override
	}
	if model := chainTable[taskType]; model != "" {
		return model
	}
	if model := globalTable[taskType]; model != "" {
		return model
	}
	return defaultModel
}

// Router holds the global routing table and default model.
type Router struct {
	table        map[string]string
	defaultModel string
}

// New builds a router from DefaultTable with overrides applied on top.
func New(defaultModel string, overrides map[string]string) *Router {
	table := make(map[string]string, len(DefaultTable)+len(overrides))
	for k, v := range DefaultTable {
		table[k] = v
	}
	for k, v := range overrides {
		table[k] = v
	}
	return &Router{table: table, defaultModel: defaultModel}
}

// Resolve resolves a task against this router's global table.
func (r *Router) Resolve(taskType, override string, chainTable map[string]string) string {
	return Resolve(taskType, override, chainTable, r.table, r.defaultModel)
}

// DefaultModel returns the fallback model.
func (r *Router) DefaultModel() string { return r.defaultModel }

// Table returns a copy of the global table.
func (r *Router) Table() map[string]string {
	out := make(map[string]string, len(r.table))
	for k, v := range r.table {
		out[k] = v
	}
	return out
}

// Models returns the distinct models referenced by the table and the default.
func (r *Router) Models() []string {
	seen := map[string]bool{}
	var out []string
	add := func(m string) {
		if m != "" && !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	add(r.defaultModel)
	for _, taskType := range sortedKeys(r.table) {
		add(r.table[taskType])
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
