package middleware

// Chain composes decorators around a handler. The first middleware ends up
// outermost, so Chain(a, b)(h) runs a around b around h.
func Chain[H any](middlewares ...func(H) H) func(H) H {
	return func(handler H) H {
		for idx := len(middlewares) - 1; idx >= 0; idx-- {
			handler = middlewares[idx](handler)
		}
		return handler
	}
}
