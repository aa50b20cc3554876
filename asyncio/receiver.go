package asyncio

// FuncReceiver adapts a plain closure into a Receiver, the common case
// where a caller doesn't need a dedicated receiver type.
type FuncReceiver func(op *Op, res Result) CompletionAction

func (f FuncReceiver) Completed(op *Op, res Result) CompletionAction {
	return f(op, res)
}

// ChainReceiver wraps a terminal callback and, upon completion, initiates
// `next` ops produced from the result — the pattern spec §8 property 4 (the
// stack-bound test) exercises directly ("receivers immediately initiate two
// more").
type ChainReceiver struct {
	OnComplete func(res Result) []*Op
}

func (c ChainReceiver) Completed(op *Op, res Result) CompletionAction {
	if c.OnComplete == nil {
		return ActionDone
	}
	for _, next := range c.OnComplete(res) {
		_ = op.engine.Initiate(next)
	}
	return ActionDone
}
