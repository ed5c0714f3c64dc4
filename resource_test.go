package weft_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"

	"github.com/lattice-iot/weft"
	"github.com/lattice-iot/weft/weftest"
)

func drainFetch(t *testing.T, ctx context.Context, res *weft.FetchResult) ([]byte, error) {
	t.Helper()
	var got []byte
	for chunk := range res.Stream.All() {
		got = append(got, chunk...)
	}
	return got, res.Stream.Err()
}

func TestFetchSuccessBuffer(t *testing.T) {
	defer leaktest.Check(t)()

	loc := weftest.NewLocal(weft.WithChunkSize(4))
	defer loc.Stop()

	payload := []byte("hello, resource world")
	prov, err := loc.B.Provision(context.Background(), "example/doc", func(params []any, info *weft.ResourceInfo) error {
		info.OutData, info.HasOutData = payload, true
		info.OutMeta, info.HasOutMeta = map[string]any{"kind": "text"}, true
		return nil
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	defer prov.Unprovision(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := loc.A.Fetch(ctx, "example/doc")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	buf, err := res.Buffer.Wait(ctx)
	if err != nil {
		t.Fatalf("Buffer.Wait: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Errorf("buffer = %q, want %q", buf, payload)
	}

	meta, err := res.Meta.Wait(ctx)
	if err != nil {
		t.Fatalf("Meta.Wait: %v", err)
	}
	if !meta.Present {
		t.Fatal("Meta.Present = false, want true")
	}
	if diff := cmp.Diff(map[string]any{"kind": "text"}, meta.Value); diff != "" {
		t.Errorf("meta mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchSuccessStream(t *testing.T) {
	defer leaktest.Check(t)()

	loc := weftest.NewLocal(weft.WithChunkSize(3))
	defer loc.Stop()

	prov, err := loc.B.Provision(context.Background(), "example/stream", func(params []any, info *weft.ResourceInfo) error {
		info.OutReader = bytes.NewReader([]byte("abcdefg"))
		return nil
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	defer prov.Unprovision(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := loc.A.Fetch(ctx, "example/stream")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	got, streamErr := drainFetch(t, ctx, res)
	if streamErr != nil {
		t.Fatalf("stream ended with error: %v", streamErr)
	}
	if string(got) != "abcdefg" {
		t.Errorf("stream content = %q, want %q", got, "abcdefg")
	}
}

func TestFetchHandlerErrorSurfacesAsResourceError(t *testing.T) {
	defer leaktest.Check(t)()

	loc := weftest.NewLocal()
	defer loc.Stop()

	prov, err := loc.B.Provision(context.Background(), "example/bad", func(params []any, info *weft.ResourceInfo) error {
		return errors.New("invalid resource")
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	defer prov.Unprovision(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := loc.A.Fetch(ctx, "example/bad")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	_, streamErr := drainFetch(t, ctx, res)
	var resErr *weft.ResourceError
	if !errors.As(streamErr, &resErr) {
		t.Fatalf("stream error = %v, want *ResourceError", streamErr)
	}
	if resErr.Msg != "invalid resource" {
		t.Errorf("ResourceError.Msg = %q, want %q", resErr.Msg, "invalid resource")
	}
}

func TestFetchMissingDataFails(t *testing.T) {
	defer leaktest.Check(t)()

	loc := weftest.NewLocal()
	defer loc.Stop()

	prov, err := loc.B.Provision(context.Background(), "example/empty-handler", func(params []any, info *weft.ResourceInfo) error {
		return nil // populates nothing
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	defer prov.Unprovision(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := loc.A.Fetch(ctx, "example/empty-handler")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	_, streamErr := drainFetch(t, ctx, res)
	var missing *weft.ResourceError
	if !errors.As(streamErr, &missing) {
		t.Fatalf("stream error = %v, want *ResourceError", streamErr)
	}
}

func TestFetchNoProvisionerTimesOut(t *testing.T) {
	defer leaktest.Check(t)()

	loc := weftest.NewLocal(weft.WithTimeout(100 * time.Millisecond))
	defer loc.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := loc.A.Fetch(ctx, "example/nobody-provisions")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	_, streamErr := drainFetch(t, ctx, res)
	var toErr *weft.TimeoutError
	if !errors.As(streamErr, &toErr) {
		t.Fatalf("stream error = %v, want *TimeoutError", streamErr)
	}
}

func TestPushDeliversToProvisioner(t *testing.T) {
	defer leaktest.Check(t)()

	loc := weftest.NewLocal(weft.WithChunkSize(5))
	defer loc.Stop()

	delivered := make(chan string, 1)
	prov, err := loc.B.Provision(context.Background(), "example/upload", func(params []any, info *weft.ResourceInfo) error {
		var buf bytes.Buffer
		for chunk := range info.InStream.All() {
			buf.Write(chunk)
		}
		if err := info.InStream.Err(); err != nil {
			return err
		}
		delivered <- buf.String()
		return nil
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	defer prov.Unprovision(context.Background())

	if err := loc.A.Push(context.Background(), "example/upload", []byte("uploaded payload")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case got := <-delivered:
		if got != "uploaded payload" {
			t.Errorf("delivered = %q, want %q", got, "uploaded payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push delivery")
	}
}

func TestPushStreamReader(t *testing.T) {
	defer leaktest.Check(t)()

	loc := weftest.NewLocal(weft.WithChunkSize(4))
	defer loc.Stop()

	delivered := make(chan string, 1)
	prov, err := loc.B.Provision(context.Background(), "example/upload-stream", func(params []any, info *weft.ResourceInfo) error {
		buf, err := info.InBuffer.Wait(context.Background())
		if err != nil {
			return err
		}
		delivered <- string(buf)
		return nil
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	defer prov.Unprovision(context.Background())

	r := io.NopCloser(bytes.NewReader([]byte("streamed content here")))
	if err := loc.A.PushStream(context.Background(), "example/upload-stream", r); err != nil {
		t.Fatalf("PushStream: %v", err)
	}

	select {
	case got := <-delivered:
		if got != "streamed content here" {
			t.Errorf("delivered = %q, want %q", got, "streamed content here")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push delivery")
	}
}
