// Package identity resolve (device, canal) a partir do IP e do número do
// canal, criando os registros na primeira aparição. É o único pacote que
// escreve devices e canais.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/logging"
	"github.com/sua-org/cam-counter/internal/store"
)

var (
	ErrDeviceNotFound  = errors.New("camera not found")
	ErrChannelNotFound = errors.New("channel not found")
	ErrEmptyPatch      = errors.New("nothing to update: name or zone required")
	ErrMissingIP       = errors.New("missing ip")
	ErrInvalidKind     = errors.New("invalid device type")
	ErrNoEncryptor     = errors.New("credential encryption is not configured")
)

// Encryptor cifra a senha do device antes de gravar.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
}

type Resolver struct {
	store store.DeviceStore
	enc   Encryptor
	now   func() time.Time
	log   zerolog.Logger
}

// New cria o resolver. enc pode ser nil; aí cadastro com senha falha.
func New(st store.DeviceStore, enc Encryptor) *Resolver {
	return &Resolver{
		store: st,
		enc:   enc,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logging.Component("identity"),
	}
}

// Resolve garante o device (por IP) e o canal, e devolve a referência
// para o recorder. Erro de store é falha dura.
func (r *Resolver) Resolve(ctx context.Context, ip string, channelNo int) (core.ChannelRef, error) {
	now := r.now()
	dev, err := r.store.TouchDevice(ctx, ip, now)
	if err != nil {
		return core.ChannelRef{}, fmt.Errorf("upsert device %s: %w", ip, err)
	}
	if err := r.store.EnsureChannel(ctx, dev.ID, channelNo, now); err != nil {
		return core.ChannelRef{}, fmt.Errorf("upsert channel %s/%d: %w", ip, channelNo, err)
	}
	return core.ChannelRef{DeviceID: dev.ID, IP: ip, ChannelNo: channelNo}, nil
}

// Registration é o cadastro explícito vindo do painel.
type Registration struct {
	IP       string
	Name     string
	Kind     string
	Username string
	Password string
	Channels []core.ChannelCapabilities
}

func (r *Resolver) Register(ctx context.Context, reg Registration) (core.Device, error) {
	ip := strings.TrimSpace(reg.IP)
	if ip == "" {
		return core.Device{}, ErrMissingIP
	}
	kind, ok := core.NormalizeDeviceKind(reg.Kind)
	if !ok {
		return core.Device{}, fmt.Errorf("%w: %q", ErrInvalidKind, reg.Kind)
	}

	dr := core.DeviceRegistration{IP: ip, Kind: kind, Username: reg.Username}
	if name := strings.TrimSpace(reg.Name); name != "" {
		dr.Name = &name
	}
	if reg.Password != "" {
		if r.enc == nil {
			return core.Device{}, ErrNoEncryptor
		}
		ct, err := r.enc.Encrypt(reg.Password)
		if err != nil {
			return core.Device{}, fmt.Errorf("encrypt credentials: %w", err)
		}
		dr.PasswordCiphertext = ct
	}

	now := r.now()
	dev, err := r.store.UpsertDevice(ctx, dr, now)
	if err != nil {
		return core.Device{}, fmt.Errorf("upsert device %s: %w", ip, err)
	}
	for _, ch := range reg.Channels {
		if err := r.store.UpsertChannelCapabilities(ctx, dev.ID, ch, now); err != nil {
			return core.Device{}, fmt.Errorf("upsert channel %s/%d: %w", ip, ch.No, err)
		}
	}

	r.log.Info().
		Str("ip", ip).
		Str("kind", string(kind)).
		Int("channels", len(reg.Channels)).
		Msg("device registered")
	return dev, nil
}

// UpdateChannel é o caminho administrativo: só mexe nos campos presentes.
// Valor vazio ou null limpa o campo.
func (r *Resolver) UpdateChannel(ctx context.Context, ip string, channelNo int, patch core.ChannelPatch) (core.Channel, error) {
	if patch.Empty() {
		return core.Channel{}, ErrEmptyPatch
	}
	dev, err := r.Lookup(ctx, ip)
	if err != nil {
		return core.Channel{}, err
	}
	patch.Name.Value = blankToNil(patch.Name.Value)
	patch.Zone.Value = blankToNil(patch.Zone.Value)

	ch, err := r.store.UpdateChannel(ctx, dev.ID, channelNo, patch, r.now())
	if errors.Is(err, store.ErrNotFound) {
		return core.Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return core.Channel{}, fmt.Errorf("update channel %s/%d: %w", ip, channelNo, err)
	}
	return ch, nil
}

func (r *Resolver) Lookup(ctx context.Context, ip string) (core.Device, error) {
	dev, err := r.store.DeviceByIP(ctx, strings.TrimSpace(ip))
	if errors.Is(err, store.ErrNotFound) {
		return core.Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return core.Device{}, fmt.Errorf("lookup device %s: %w", ip, err)
	}
	return dev, nil
}

// Detail devolve o device com os canais; nome vazio cai no padrão.
func (r *Resolver) Detail(ctx context.Context, ip string) (core.Device, []core.Channel, error) {
	dev, err := r.Lookup(ctx, ip)
	if err != nil {
		return core.Device{}, nil, err
	}
	chs, err := r.store.Channels(ctx, dev.ID)
	if err != nil {
		return core.Device{}, nil, fmt.Errorf("list channels %s: %w", ip, err)
	}
	for i := range chs {
		if chs[i].Name == nil || strings.TrimSpace(*chs[i].Name) == "" {
			name := store.DefaultChannelName(chs[i].No)
			chs[i].Name = &name
		}
		if chs[i].Features == nil {
			chs[i].Features = []string{}
		}
	}
	return dev, chs, nil
}

func (r *Resolver) List(ctx context.Context) ([]store.DeviceSummary, error) {
	return r.store.Devices(ctx)
}

func (r *Resolver) ZoneChannels(ctx context.Context, zone string) ([]core.ZoneChannel, error) {
	return r.store.ChannelsByZone(ctx, zone)
}

func blankToNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
