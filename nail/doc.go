/*
Package nail defines the entry points ("nails") that a nailgun server runs on behalf of remote clients.

A nail is the warm-process equivalent of a program's main function. Each invocation gets its own
arguments, environment, working directory, and standard streams, even though it runs as a goroutine
inside a long-lived server.

Two invocation shapes are supported:

  - Nail, which receives a *Context holding the request and explicit In/Out/Err handles.
  - MainFunc (or AmbientNail), which receives only a context.Context and the argument list, and reaches
    the standard streams through package stdio.

A nail may also implement Shutdowner to be notified once when the server shuts down.
*/
package nail
