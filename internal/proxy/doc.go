// Package proxy intercepts outbound requests on behalf of the page and decides,
// per request, between network pass-through and serving from the active cache
// generation.
//
// Bypass traffic goes straight to the network. Cacheable GETs are answered from
// the active generation when present; on a miss the network response is handed
// to the caller while a copy of the body is persisted in the background once the
// caller has read it to the end. Forwarder adapts the proxy to Fiber.
package proxy
