package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sua-org/cam-counter/internal/config"
	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/store"
)

func TestResolveIsIdempotentUnderConcurrency(t *testing.T) {
	st := store.NewMemory()
	r := New(st, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	refs := make(chan core.ChannelRef, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := r.Resolve(ctx, "192.168.0.20", i%2)
			if err != nil {
				t.Error(err)
				return
			}
			refs <- ref
		}(i)
	}
	wg.Wait()
	close(refs)

	var deviceID string
	for ref := range refs {
		if deviceID == "" {
			deviceID = ref.DeviceID
		}
		if ref.DeviceID != deviceID {
			t.Fatalf("duplicate device created: %s vs %s", ref.DeviceID, deviceID)
		}
	}
	devs, _ := r.List(ctx)
	if len(devs) != 1 || devs[0].ChannelsTotal != 2 {
		t.Fatalf("devices = %+v", devs)
	}
}

func TestResolveStoreFailureIsHard(t *testing.T) {
	st := store.NewMemory()
	_ = st.Close()
	r := New(st, nil)
	if _, err := r.Resolve(context.Background(), "10.0.0.1", 1); err == nil {
		t.Fatal("expected error from closed store")
	}
}

func TestUpdateChannel(t *testing.T) {
	st := store.NewMemory()
	r := New(st, nil)
	ctx := context.Background()
	if _, err := r.Resolve(ctx, "10.1.1.1", 1); err != nil {
		t.Fatal(err)
	}

	str := func(s string) *string { return &s }
	tests := []struct {
		name    string
		ip      string
		ch      int
		patch   core.ChannelPatch
		wantErr error
		check   func(t *testing.T, c core.Channel)
	}{
		{
			name:    "empty patch",
			ip:      "10.1.1.1",
			ch:      1,
			wantErr: ErrEmptyPatch,
		},
		{
			name:    "unknown camera",
			ip:      "10.9.9.9",
			ch:      1,
			patch:   core.ChannelPatch{Name: core.Optional{Present: true, Value: str("x")}},
			wantErr: ErrDeviceNotFound,
		},
		{
			name:    "unknown channel",
			ip:      "10.1.1.1",
			ch:      7,
			patch:   core.ChannelPatch{Name: core.Optional{Present: true, Value: str("x")}},
			wantErr: ErrChannelNotFound,
		},
		{
			name:  "zone only",
			ip:    "10.1.1.1",
			ch:    1,
			patch: core.ChannelPatch{Zone: core.Optional{Present: true, Value: str(" Lobby ")}},
			check: func(t *testing.T, c core.Channel) {
				if c.Zone == nil || *c.Zone != "Lobby" || c.Name == nil || *c.Name != "Channel 1" {
					t.Errorf("channel = %+v", c)
				}
			},
		},
		{
			name:  "name only keeps zone",
			ip:    "10.1.1.1",
			ch:    1,
			patch: core.ChannelPatch{Name: core.Optional{Present: true, Value: str("Door")}},
			check: func(t *testing.T, c core.Channel) {
				if c.Zone == nil || *c.Zone != "Lobby" || *c.Name != "Door" {
					t.Errorf("channel = %+v", c)
				}
			},
		},
		{
			name:  "blank name clears",
			ip:    "10.1.1.1",
			ch:    1,
			patch: core.ChannelPatch{Name: core.Optional{Present: true, Value: str("  ")}},
			check: func(t *testing.T, c core.Channel) {
				if c.Name != nil || c.Zone == nil {
					t.Errorf("channel = %+v", c)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := r.UpdateChannel(ctx, tt.ip, tt.ch, tt.patch)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, c)
		})
	}

	_, chs, err := r.Detail(ctx, "10.1.1.1")
	if err != nil {
		t.Fatal(err)
	}
	if *chs[0].Name != "Channel 1" {
		t.Errorf("detail should fall back to default name, got %q", *chs[0].Name)
	}
}

func TestRegister(t *testing.T) {
	st := store.NewMemory()
	enc, err := config.NewCredentialEncryptor("k")
	if err != nil {
		t.Fatal(err)
	}
	r := New(st, enc)
	ctx := context.Background()

	if _, err := r.Register(ctx, Registration{IP: "10.2.2.2", Kind: "toaster"}); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("err = %v", err)
	}
	if _, err := r.Register(ctx, Registration{Kind: "cam"}); !errors.Is(err, ErrMissingIP) {
		t.Fatalf("err = %v", err)
	}

	dev, err := r.Register(ctx, Registration{
		IP:       "10.2.2.2",
		Name:     "Front",
		Kind:     "AI-Box",
		Username: "admin",
		Password: "secret",
		Channels: []core.ChannelCapabilities{{No: 1, Name: "Gate", Features: []string{"people-count"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if dev.Kind != core.DeviceKindAIBox || dev.PasswordCiphertext == "" || dev.PasswordCiphertext == "secret" {
		t.Fatalf("device = %+v", dev)
	}
	plain, err := enc.Decrypt(dev.PasswordCiphertext)
	if err != nil || plain != "secret" {
		t.Fatalf("decrypt = %q, %v", plain, err)
	}

	// re-registering without password keeps credentials
	dev2, err := r.Register(ctx, Registration{IP: "10.2.2.2", Kind: "camera"})
	if err != nil {
		t.Fatal(err)
	}
	if dev2.ID != dev.ID || dev2.PasswordCiphertext != dev.PasswordCiphertext || dev2.Name != nil {
		t.Fatalf("re-register = %+v", dev2)
	}

	noEnc := New(store.NewMemory(), nil)
	if _, err := noEnc.Register(ctx, Registration{IP: "1.1.1.1", Kind: "cam", Password: "x"}); !errors.Is(err, ErrNoEncryptor) {
		t.Fatalf("err = %v", err)
	}
}
