// Package server hosts the Fiber HTTP service and the middleware chain that
// turns every browser request into a worker fetch event. It assigns request
// ids, tracks foreground clients through a cookie, and leaves the /-/ prefix
// to the control routes registered by the routes package.
package server
