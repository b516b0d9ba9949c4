package locale

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignbot/internal/storage"
	logx "campaignbot/pkg/logx"
)

func TestBuiltinTextsAndFallback(t *testing.T) {
	c, err := New(storage.NewMemory(), "en", []string{"pt", "hu", "en"}, logx.Nop())
	require.NoError(t, err)

	assert.Equal(t, "Olá, Ana!", c.Text("pt", "hello", map[string]string{"name": "Ana"}))
	assert.Equal(t, "Hello, Ana!", c.Text("xx", "hello", map[string]string{"name": "Ana"}), "unknown language uses default")
	assert.Equal(t, "no_such_key", c.Text("pt", "no_such_key", nil))
	assert.Equal(t, "Hello, {name}!", c.Text("en", "hello", nil))
}

func TestResolve(t *testing.T) {
	c, err := New(storage.NewMemory(), "en", []string{"pt", "hu", "en"}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "pt", c.Resolve("pt-BR"))
	assert.Equal(t, "hu", c.Resolve("HU"))
	assert.Equal(t, "en", c.Resolve("de"))
	assert.Equal(t, "en", c.Resolve(""))
	require.Len(t, c.Languages(), 3)
	assert.Equal(t, "pt", c.Languages()[0].Code)
}

func TestReloadAppliesOverrides(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	c, err := New(st, "en", []string{"en", "pt"}, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, st.PutText(ctx, storage.Text{Key: "hello", Language: "pt", Text: "Oi, {name}!"}))
	require.NoError(t, st.PutLanguage(ctx, storage.Language{Code: "es", Name: "Español", Active: true}))
	assert.Equal(t, "Olá, Ana!", c.Text("pt", "hello", map[string]string{"name": "Ana"}), "not visible before reload")

	require.NoError(t, c.Reload(ctx))
	assert.Equal(t, "Oi, Ana!", c.Text("pt", "hello", map[string]string{"name": "Ana"}))
	assert.True(t, c.Supported("es"))
	assert.False(t, c.Supported("pt"), "store languages replace the configured list")
	assert.True(t, c.Supported("en"), "default language is always supported")
}

func TestReloadFailureKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.PutText(ctx, storage.Text{Key: "hello", Language: "en", Text: "Hey"}))
	c, err := New(st, "en", nil, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Reload(ctx))

	st.SetFailure(storage.ErrUnavailable)
	assert.ErrorIs(t, c.Reload(ctx), storage.ErrUnavailable)
	assert.Equal(t, "Hey", c.Text("en", "hello", nil))
}

type slowSource struct {
	calls   atomic.Int32
	release chan struct{}
}

func (s *slowSource) ListTexts(context.Context) ([]storage.Text, error) {
	s.calls.Add(1)
	<-s.release
	return nil, nil
}

func (s *slowSource) ListLanguages(context.Context) ([]storage.Language, error) { return nil, nil }

func TestConcurrentReloadsShareOneLoad(t *testing.T) {
	src := &slowSource{release: make(chan struct{})}
	c, err := New(src, "en", nil, logx.Nop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Reload(context.Background()))
		}()
	}
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	// Give the other callers time to join the in-flight load.
	time.Sleep(50 * time.Millisecond)
	close(src.release)
	wg.Wait()
	assert.Equal(t, int32(1), src.calls.Load())
}
