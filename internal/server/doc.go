// Package server hosts the Fiber HTTP front: request-id middleware, Host based
// route lookup and the shared upstream client. Requests under /-/ are left to
// the diagnostics routes; everything else is handed to a ProxyHandler together
// with the Route resolved from the Host header, falling back to the page origin.
package server
