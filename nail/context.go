package nail

import (
	"context"
	"io"
	"net"
	"strings"
)

// EnvVar is a single environment entry sent by the client.
type EnvVar struct {
	Name  string
	Value string
}

// ParseEnvVar splits a NAME=VALUE pair. It reports false if there is no '=' or the name is empty.
func ParseEnvVar(s string) (EnvVar, bool) {
	i := strings.IndexByte(s, '=')
	if i <= 0 {
		return EnvVar{}, false
	}
	return EnvVar{Name: s[:i], Value: s[i+1:]}, true
}

func (v EnvVar) String() string { return v.Name + "=" + v.Value }

// Env is the client's environment in the order it was received.
type Env []EnvVar

// Lookup returns the value of the last entry named name.
func (e Env) Lookup(name string) (string, bool) {
	for i := len(e) - 1; i >= 0; i-- {
		if e[i].Name == name {
			return e[i].Value, true
		}
	}
	return "", false
}

// Getenv is like Lookup but returns "" for missing names.
func (e Env) Getenv(name string) string {
	v, _ := e.Lookup(name)
	return v
}

// Strings returns the environment as NAME=VALUE strings.
func (e Env) Strings() []string {
	out := make([]string, len(e))
	for i, v := range e {
		out[i] = v.String()
	}
	return out
}

// Context is everything a nail knows about one invocation.
type Context struct {
	// Command is the name the client asked for, which may be an alias.
	Command    string
	Args       []string
	Env        Env
	WorkingDir string
	RemoteAddr net.Addr

	In  io.Reader
	Out io.Writer
	Err io.Writer

	ctx context.Context
}

// Context returns the invocation's context. It is cancelled if the client connection fails.
// It also carries the stream route used by package stdio.
func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// WithContext returns a shallow copy of c with its context changed to ctx.
func (c *Context) WithContext(ctx context.Context) *Context {
	if ctx == nil {
		panic("nil context")
	}
	c2 := new(Context)
	*c2 = *c
	c2.ctx = ctx
	return c2
}

// Getenv returns the client's environment value for name.
func (c *Context) Getenv(name string) string { return c.Env.Getenv(name) }
