package saga

// Builder accumulates a Definition's correlation rules, initial-state
// factory, and per-message-type handler chains via a fluent chain, mirroring
// how this codebase builds other compiled, immutable values: each With*
// method mutates the builder and returns it for chaining, and Build produces
// the value consumers actually run against.
type Builder struct {
	name             string
	correlationRules map[string]CorrelationFunc
	wildcardRule     CorrelationFunc
	createInitial    InitialStateFunc
	handlers         map[string][]handlerEntry
}

// NewBuilder starts a Definition builder for the given saga name. name must
// be unique across the Bus the saga is eventually registered with.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:             name,
		correlationRules: make(map[string]CorrelationFunc),
		handlers:         make(map[string][]handlerEntry),
	}
}

// WithCorrelation registers an exact-match correlation rule for messageType.
func (b *Builder) WithCorrelation(messageType string, fn CorrelationFunc) *Builder {
	b.correlationRules[messageType] = fn
	return b
}

// WithWildcardCorrelation registers the fallback correlation rule tried when
// no exact-match rule exists for a message type.
func (b *Builder) WithWildcardCorrelation(fn CorrelationFunc) *Builder {
	b.wildcardRule = fn
	return b
}

// WithInitialState registers the pure factory invoked once per instance on
// its starting message.
func (b *Builder) WithInitialState(fn InitialStateFunc) *Builder {
	b.createInitial = fn
	return b
}

// WithHandler registers an unguarded handler for messageType. Multiple
// handlers may be registered for the same type via repeated WithHandler /
// WithGuardedHandler calls; the first whose guard passes (or has none) runs.
func (b *Builder) WithHandler(messageType string, fn HandlerFunc) *Builder {
	b.handlers[messageType] = append(b.handlers[messageType], handlerEntry{handler: fn})
	return b
}

// WithGuardedHandler registers a handler for messageType that only runs when
// guard(state) returns true.
func (b *Builder) WithGuardedHandler(messageType string, guard GuardFunc, fn HandlerFunc) *Builder {
	b.handlers[messageType] = append(b.handlers[messageType], handlerEntry{guard: guard, handler: fn})
	return b
}

// Build compiles the accumulated registrations into an immutable Definition.
func (b *Builder) Build() (*Definition, error) {
	if b.name == "" {
		return nil, ErrNameRequired
	}

	handlers := make(map[string][]handlerEntry, len(b.handlers))
	for msgType, entries := range b.handlers {
		handlers[msgType] = append([]handlerEntry(nil), entries...)
	}

	rules := make(map[string]CorrelationFunc, len(b.correlationRules))
	for msgType, fn := range b.correlationRules {
		rules[msgType] = fn
	}

	return &Definition{
		name:             b.name,
		correlationRules: rules,
		wildcardRule:     b.wildcardRule,
		createInitial:    b.createInitial,
		handlers:         handlers,
	}, nil
}
