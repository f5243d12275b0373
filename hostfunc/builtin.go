package hostfunc

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// DefaultRegistry returns a registry with every built-in capability.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

func object(fn func(inv *Invocation) (any, error)) Factory {
	return func(inv *Invocation, _ Args) (any, error) { return fn(inv) }
}

func RegisterBuiltins(r *Registry) {
	r.Register(Capability{
		Name: "cache",
		New: object(func(inv *Invocation) (any, error) {
			return &CacheClient{inv: inv, cache: inv.Host().cache}, nil
		}),
	})

	r.Register(Capability{
		Name:          "lock",
		Parameterized: true,
		Params:        Signature{{Name: "name", Kind: ArgString, Check: notEmpty}},
		New: func(inv *Invocation, a Args) (any, error) {
			return newLockClient(inv, a.String(0), inv.Host().locker), nil
		},
	})

	r.Register(Capability{
		Name:          "bqueue",
		Parameterized: true,
		Params:        Signature{{Name: "size", Kind: ArgInt, Check: positive}},
		New: func(inv *Invocation, a Args) (any, error) {
			return NewBlockingQueue(int(a.Int(0))).bind(inv.Context()), nil
		},
	})

	r.Register(Capability{
		Name:          "pipe",
		Parameterized: true,
		Params:        Signature{{Name: "name", Kind: ArgString, Check: notEmpty}},
		New: func(inv *Invocation, a Args) (any, error) {
			q, release := inv.Host().Pipe(a.String(0))
			inv.Defer(release)
			return q.bind(inv.Context()), nil
		},
	})

	r.Register(Capability{
		Name: "db",
		New: object(func(inv *Invocation) (any, error) {
			if inv.Host().db == nil {
				return nil, errNoDatabase
			}
			return &DatabaseClient{inv: inv, db: inv.Host().db}, nil
		}),
	})

	r.Register(Capability{
		Name: "event",
		New: object(func(inv *Invocation) (any, error) {
			return &EventClient{inv: inv, bus: inv.Host().events}, nil
		}),
	})

	r.Register(Capability{
		Name:          "socket",
		Parameterized: true,
		Params:        Signature{{Name: "protocol", Kind: ArgString, OneOf: []string{"tcp", "udp"}}},
		New: func(inv *Invocation, a Args) (any, error) {
			if a.String(0) == "udp" {
				return &UDPSocket{inv: inv, policy: inv.Host().policy}, nil
			}
			return &TCPSocket{inv: inv, policy: inv.Host().policy}, nil
		},
	})

	r.Register(Capability{
		Name:          "http",
		Parameterized: true,
		Params:        Signature{{Name: "options", Kind: ArgMap, Optional: true, Check: checkHTTPOptions}},
		New: func(inv *Invocation, a Args) (any, error) {
			opts, err := parseHTTPOptions(a.Map(0))
			if err != nil {
				return nil, invalidArgs("http", "%v", err)
			}
			return newHTTPClient(inv, inv.Host().cfg.HTTP, inv.Host().policy, opts)
		},
	})

	r.Register(Capability{
		Name: "file",
		New: object(func(inv *Invocation) (any, error) {
			if inv.Host().fs == nil {
				return nil, errors.New("file access not enabled")
			}
			return inv.Host().fs, nil
		}),
	})

	r.Register(Capability{
		Name:          "template",
		Parameterized: true,
		Params: Signature{
			{Name: "name", Kind: ArgString, Check: notEmpty},
			{Name: "input", Kind: ArgMap, Optional: true},
		},
		New: func(inv *Invocation, a Args) (any, error) {
			return renderTemplate(inv.Host().templates, a.String(0), a.Map(1))
		},
	})

	r.Register(Capability{
		Name:          "xml",
		Parameterized: true,
		Params:        Signature{{Name: "content", Kind: ArgString}},
		New: func(_ *Invocation, a Args) (any, error) {
			return parseXML(a.String(0))
		},
	})

	r.Register(Capability{
		Name:          "email",
		Parameterized: true,
		Params: Signature{
			{Name: "host", Kind: ArgString, Check: notEmpty},
			{Name: "port", Kind: ArgInt, Check: positive},
			{Name: "username", Kind: ArgString},
			{Name: "password", Kind: ArgString},
		},
		New: func(_ *Invocation, a Args) (any, error) {
			return &EmailClient{host: a.String(0), port: int(a.Int(1)), username: a.String(2), password: a.String(3)}, nil
		},
	})

	r.Register(Capability{
		Name:          "decimal",
		Parameterized: true,
		Params:        Signature{{Name: "value", Kind: ArgAny, Check: decimalValue}},
		New: func(_ *Invocation, a Args) (any, error) {
			switch v := a.Value(0).(type) {
			case string:
				return parseDecimal(v)
			case float64:
				return Decimal{d: decimal.NewFromFloat(v)}, nil
			}
			return Decimal{d: decimal.NewFromInt(a.Int(0))}, nil
		},
	})

	r.Register(Capability{
		Name:          "ulid",
		Parameterized: true,
		New: func(_ *Invocation, _ Args) (any, error) {
			return ulid.Make().String(), nil
		},
	})

	r.Register(Capability{
		Name: "crypto",
		New:  object(func(*Invocation) (any, error) { return CryptoClient{}, nil }),
	})

	r.Register(Capability{
		Name: "image",
		New:  object(func(*Invocation) (any, error) { return ImageClient{}, nil }),
	})

	r.Register(Capability{
		Name: "zip",
		New:  object(func(*Invocation) (any, error) { return ZipClient{}, nil }),
	})

	r.Register(Capability{
		Name: "process",
		New: object(func(inv *Invocation) (any, error) {
			return &ProcessClient{inv: inv, allowed: inv.Host().cfg.AllowedCommands}, nil
		}),
	})
}

func decimalValue(v any) error {
	switch v.(type) {
	case string, float64, int, int64:
		return nil
	}
	return fmt.Errorf("must be a string or number")
}
