package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
	lru "github.com/hashicorp/golang-lru/v2"
)

// prgCacheSize bounds the number of compiled CEL programs kept around per
// engine. Rule expressions come from collection metadata, not user input, so
// this is generous headroom rather than a tight bound.
const prgCacheSize = 256

// AuthContext represents the authentication state of the request
type AuthContext struct {
	UID     string                 `json:"uid"`
	Claims  map[string]interface{} `json:"claims"`
	IsAdmin bool                   `json:"-"` // local bypass flag; never exposed to CEL expressions
}

// RuleContext represents the context available to a rule
type RuleContext struct {
	Auth     *AuthContext           `json:"auth"`
	Resource map[string]interface{} `json:"resource"` // The document
	Request  map[string]interface{} `json:"request"`  // Incoming data/params
}

// RulesEngine handles compilation and evaluation of CEL rules
type RulesEngine struct {
	env      *cel.Env
	prgCache *lru.Cache[string, cel.Program]
}

// NewRulesEngine creates a new RulesEngine with standard environment.
// Rule expressions see two top-level variables: request.auth.{uid,claims}
// and resource.data, the document being acted on.
func NewRulesEngine() (*RulesEngine, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("request", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("resource", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
	if err != nil {
		return nil, err
	}

	prgCache, err := lru.New[string, cel.Program](prgCacheSize)
	if err != nil {
		return nil, err
	}

	return &RulesEngine{
		env:      env,
		prgCache: prgCache,
	}, nil
}

// Evaluate evaluates a rule expression against a context
func (re *RulesEngine) Evaluate(expression string, ctx map[string]interface{}) (bool, error) {
	if expression == "" {
		return false, nil // empty rule expression defaults to deny
	}
	if expression == "true" {
		return true, nil
	}
	if expression == "false" {
		return false, nil
	}

	// Check cache
	var prg cel.Program
	if cached, ok := re.prgCache.Get(expression); ok {
		prg = cached
	} else {
		// Compile
		ast, issues := re.env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return false, fmt.Errorf("compile error: %s", issues.Err())
		}

		p, err := re.env.Program(ast)
		if err != nil {
			return false, fmt.Errorf("program construction error: %s", err)
		}
		prg = p
		re.prgCache.Add(expression, prg)
	}

	// Evaluate
	out, _, err := prg.Eval(ctx)
	if err != nil {
		return false, fmt.Errorf("eval error: %s", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule must return boolean")
	}

	return result, nil
}
