// Package fetch provides the HTTP client behind keel's endpoint runners.
//
// # Overview
//
// Client sends JSON requests to one base URL. JSON adapts a Client and an
// Endpoint description into an asyncthunk.Runner, so an endpoint cache
// query is declared as:
//
//	runner := fetch.JSON[string, User](client, fetch.Endpoint[string]{
//		Path: func(id string) string { return "/users/" + id },
//	})
//	getUser, err := api.DefineQuery(cache, "getUser", runner, api.QueryOptions[string, User]{})
//
// # Errors
//
// Responses with status 400 or above come back as *StatusError carrying a
// short snippet of the body. Transport and decode failures are wrapped with
// "execute request" and "decode response".
package fetch
