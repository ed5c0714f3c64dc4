package weft_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/lattice-iot/weft"
	"github.com/lattice-iot/weft/registry"
	"github.com/lattice-iot/weft/weftest"
)

func TestCallSuccess(t *testing.T) {
	defer leaktest.Check(t)()

	loc := weftest.NewLocal()
	defer loc.Stop()

	reg, err := loc.B.Register(context.Background(), "example/hello", func(params []any, info weft.Info) (any, error) {
		return fmt.Sprintf("%v:%v", params[0], params[1]), nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer reg.Unregister(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := loc.A.Call(ctx, "example/hello", "world", 42)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != "world:42" {
		t.Errorf("result = %v, want %q", result, "world:42")
	}
}

func TestCallServiceError(t *testing.T) {
	defer leaktest.Check(t)()

	loc := weftest.NewLocal()
	defer loc.Stop()

	reg, err := loc.B.Register(context.Background(), "example/fail", func(params []any, info weft.Info) (any, error) {
		return nil, errors.New("boom")
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer reg.Unregister(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = loc.A.Call(ctx, "example/fail")

	var svcErr *weft.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Call error = %v, want *ServiceError", err)
	}
	if svcErr.Msg != "boom" {
		t.Errorf("ServiceError.Msg = %q, want %q", svcErr.Msg, "boom")
	}
}

func TestCallUnknownServiceTimesOut(t *testing.T) {
	defer leaktest.Check(t)()

	loc := weftest.NewLocal(weft.WithTimeout(100 * time.Millisecond))
	defer loc.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := loc.A.Call(ctx, "example/nobody-home")

	var toErr *weft.TimeoutError
	if !errors.As(err, &toErr) {
		t.Fatalf("Call error = %v, want *TimeoutError", err)
	}
}

func TestCallEmptyErrorReportsUndefined(t *testing.T) {
	defer leaktest.Check(t)()

	loc := weftest.NewLocal()
	defer loc.Stop()

	reg, err := loc.B.Register(context.Background(), "example/empty-error", func(params []any, info weft.Info) (any, error) {
		return nil, errors.New("")
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer reg.Unregister(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = loc.A.Call(ctx, "example/empty-error")

	var svcErr *weft.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Call error = %v, want *ServiceError", err)
	}
	if svcErr.Msg != "undefined error" {
		t.Errorf("ServiceError.Msg = %q, want %q", svcErr.Msg, "undefined error")
	}
}

func TestRegisterDoubleFails(t *testing.T) {
	defer leaktest.Check(t)()

	loc := weftest.NewLocal()
	defer loc.Stop()

	reg, err := loc.A.Register(context.Background(), "example/dup", func([]any, weft.Info) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer reg.Unregister(context.Background())

	_, err = loc.A.Register(context.Background(), "example/dup", func([]any, weft.Info) (any, error) { return nil, nil })
	var already *weft.AlreadyRegisteredError
	if !errors.As(err, &already) {
		t.Fatalf("Register (again) = %v, want *AlreadyRegisteredError", err)
	}
}

func TestCallAgainstEventDeclaredNameFails(t *testing.T) {
	defer leaktest.Check(t)()

	reg := registry.New().Events("example/sample")

	loc := weftest.NewLocal(weft.WithEndpointRegistry(reg))
	defer loc.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := loc.A.Call(ctx, "example/sample")
	if err == nil {
		t.Fatal("Call against an event-declared name should fail")
	}
}
