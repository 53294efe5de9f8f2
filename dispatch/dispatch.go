// Package dispatch implements the procedure dispatcher: request demux, input validation,
// context/derivation build, handler invocation, resource collection, output validation, and
// response shaping. Mutations and queries share this exact path; contract.Kind is a label
// the caller uses to decide whether to invalidate resources, not a branch in this package.
package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"covenant/contract"
	"covenant/schema"
)

// Headers is the opaque per-request key/value bag passed to the context generator.
type Headers map[string]string

// Request is what a registered Handler sees. Derivation and Fail have lifetimes bound to
// this single call.
type Request struct {
	Inputs     any
	Context    any
	Derivation any
	Headers    Headers
	Fail       FailFunc
}

// Handler is consumer-supplied business logic for one procedure. It returns the output
// value, or aborts the call by invoking req.Fail (which never returns).
type Handler func(req *Request) any

// ResourcesRequest is passed to a ResourcesFunc after a handler returns successfully.
type ResourcesRequest struct {
	Inputs  any
	Outputs any
	Context any
}

// ResourcesFunc computes the list of resource strings a procedure call touched. Duplicates
// are removed by the dispatcher; the order ResourcesFunc returns is otherwise preserved.
type ResourcesFunc func(req *ResourcesRequest) []string

// ContextGenerator builds the per-request context from headers and the request's
// context.Context. It may perform I/O (auth lookups, tracing) and may fail explicitly.
type ContextGenerator func(ctx context.Context, headers Headers) (any, error)

// DerivationBuilder constructs the per-request derivation toolbox from context. fail is
// the same non-local-return sentinel handed to Handler.
type DerivationBuilder func(reqContext any, fail FailFunc) any

// Result is the outcome of one RunProcedure call: exactly one of (Data, Resources) or
// Error is populated, never both.
type Result struct {
	Data      any      `json:"data,omitempty"`
	Resources []string `json:"resources,omitempty"`
	Error     *Fault   `json:"error,omitempty"`
}

// Envelope is the request shape middleware operates on — the procedure name plus raw,
// not-yet-validated inputs and headers, the thing middleware wraps.
type Envelope struct {
	Procedure string
	Inputs    any
	Headers   Headers
}

// HandlerFunc is the signature middleware wraps, carrying an Envelope/Result pair.
type HandlerFunc func(ctx context.Context, req *Envelope) *Result

// Dispatcher binds a contract.Covenant to registered implementations and the consumer's
// context/derivation builders, and runs the seven-step dispatch pipeline.
type Dispatcher struct {
	covenant          *contract.Covenant
	contextGenerator  ContextGenerator
	derivationBuilder DerivationBuilder
	logger            zerolog.Logger

	handlers     map[string]Handler
	resourceFns  map[string]ResourcesFunc
	chainedEntry HandlerFunc
}

// NewDispatcher builds a Dispatcher against the given covenant. contextGenerator and
// derivationBuilder are supplied once, at construction, before any procedure is registered.
func NewDispatcher(cv *contract.Covenant, contextGenerator ContextGenerator, derivationBuilder DerivationBuilder, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		covenant:          cv,
		contextGenerator:  contextGenerator,
		derivationBuilder: derivationBuilder,
		logger:            logger,
		handlers:          make(map[string]Handler),
		resourceFns:       make(map[string]ResourcesFunc),
	}
	d.chainedEntry = d.runCore
	return d
}

// Use wraps the dispatcher's current entry point with a middleware, so the middleware
// added last is outermost.
func (d *Dispatcher) Use(mw func(HandlerFunc) HandlerFunc) {
	d.chainedEntry = mw(d.chainedEntry)
}

// Procedure registers the implementation for a procedure already declared in the covenant.
func (d *Dispatcher) Procedure(name string, handler Handler, resources ResourcesFunc) error {
	if _, ok := d.covenant.Procedure(name); !ok {
		return fmt.Errorf("dispatch: procedure %q is not declared in the covenant", name)
	}
	d.handlers[name] = handler
	d.resourceFns[name] = resources
	return nil
}

// AssertAllDefined fails fast if any covenant-declared procedure lacks a registered
// implementation — the fatal startup check before a server starts serving.
func (d *Dispatcher) AssertAllDefined() error {
	var missing []string
	for _, name := range d.covenant.ProcedureNames() {
		if _, ok := d.handlers[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("dispatch: missing implementations for procedures: %v", missing)
	}
	return nil
}

// RunProcedure executes the full middleware-wrapped dispatch pipeline for one call.
func (d *Dispatcher) RunProcedure(ctx context.Context, name string, rawInputs any, headers Headers) *Result {
	return d.chainedEntry(ctx, &Envelope{Procedure: name, Inputs: rawInputs, Headers: headers})
}

// runCore is the innermost handler: the seven dispatch steps, step by step.
func (d *Dispatcher) runCore(ctx context.Context, req *Envelope) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			result = d.recoverToResult(r, req.Procedure)
		}
	}()

	// Step 1: lookup descriptor.
	spec, ok := d.covenant.Procedure(req.Procedure)
	if !ok {
		return &Result{Error: &Fault{Code: CodeNotFound, Message: fmt.Sprintf("unknown procedure %q", req.Procedure)}}
	}

	// Step 2: validate raw inputs.
	if issues := schema.Validate(spec.InputSchema, req.Inputs); issues != nil {
		return &Result{Error: &Fault{
			Code:    CodeBadInput,
			Message: fmt.Sprintf("procedure %q: error parsing procedure inputs: %s", req.Procedure, issues.Summary()),
		}}
	}

	// Step 3: build context.
	reqContext, err := d.contextGenerator(ctx, req.Headers)
	if err != nil {
		return &Result{Error: faultFromContextError(err)}
	}

	// Step 4: build derivation.
	fail := newFail()
	var derivation any
	if d.derivationBuilder != nil {
		derivation = d.derivationBuilder(reqContext, fail)
	}

	// Step 5: invoke handler.
	handler, ok := d.handlers[req.Procedure]
	if !ok {
		return &Result{Error: &Fault{Code: CodeInternalServer, Message: fmt.Sprintf("procedure %q has no registered implementation", req.Procedure)}}
	}
	output := handler(&Request{
		Inputs:     req.Inputs,
		Context:    reqContext,
		Derivation: derivation,
		Headers:    req.Headers,
		Fail:       fail,
	})

	// A handler that produced output after the caller's deadline expired is ignored —
	// neither its output nor its resources are surfaced.
	if ctx.Err() != nil {
		return &Result{Error: &Fault{Code: CodeInternalServer, Message: "request cancelled"}}
	}

	// Step 6: collect resources.
	var resources []string
	if resourcesFn := d.resourceFns[req.Procedure]; resourcesFn != nil {
		resources = dedupe(resourcesFn(&ResourcesRequest{Inputs: req.Inputs, Outputs: output, Context: reqContext}))
	}

	// Step 7: validate outputs.
	if issues := schema.Validate(spec.OutputSchema, output); issues != nil {
		d.logger.Error().Str("procedure", req.Procedure).Str("issues", issues.Summary()).Msg("procedure violated its own output contract")
		return &Result{Error: &Fault{
			Code:    CodeInternalContract,
			Message: fmt.Sprintf("procedure %q violated its own output contract", req.Procedure),
		}}
	}

	return &Result{Data: output, Resources: resources}
}

func (d *Dispatcher) recoverToResult(r any, procedure string) *Result {
	if signal, ok := r.(abortSignal); ok {
		code := signal.Code
		if code == 0 {
			code = CodeHandlerDefaultErr
		}
		return &Result{Error: &Fault{Code: code, Message: signal.Message}}
	}
	d.logger.Error().Str("procedure", procedure).Interface("panic", r).Msg("unhandled panic in procedure dispatch")
	return &Result{Error: &Fault{Code: CodeInternalServer, Message: "internal server error"}}
}

func faultFromContextError(err error) *Fault {
	if f, ok := err.(*Fault); ok {
		return f
	}
	return &Fault{Code: CodeUnauthorized, Message: err.Error()}
}

func dedupe(resources []string) []string {
	if resources == nil {
		return nil
	}
	seen := make(map[string]bool, len(resources))
	out := make([]string, 0, len(resources))
	for _, r := range resources {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
