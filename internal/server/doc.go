// Package server hosts the Fiber HTTP service that stands in front of the
// site: request-ID and scope middleware, the catch-all interception route
// that hands requests to a ProxyHandler, and the /-/ diagnostics prefix that
// the routes package fills in. Keep exports narrow and accept explicit
// dependencies so tests can inject fake handlers.
package server
