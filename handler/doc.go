// Package handler provides the response types of the billing API: a JSON
// envelope with a data or error member, bodiless responses, and the HTTP
// error values handlers translate domain errors into.
//
// Handlers return a Response instead of writing to the ResponseWriter:
//
//	r.Get("/tiers", handler.Wrap(func(r *http.Request) handler.Response {
//		return handler.JSON(catalog.Tiers())
//	}, log))
package handler
