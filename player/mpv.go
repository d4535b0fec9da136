package player

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xoltia/mpv"
)

// MPV drives an mpv child process over its JSON IPC socket.
type MPV struct {
	proc   *mpv.Process
	client *mpv.Client
}

// NewMPV starts mpv from path in idle, audio-only mode and connects to it.
func NewMPV(path string) (*MPV, error) {
	proc := mpv.NewProcessWithOptions(mpv.ProcessOptions{
		Path:           path,
		Args:           []string{"--idle=yes", "--no-video", "--keep-open=no"},
		ConnMaxRetries: 10,
		ConnRetryDelay: time.Second,
	})
	client, err := proc.OpenClient()
	if err != nil {
		_ = proc.Close()
		return nil, fmt.Errorf("open mpv client: %w", err)
	}
	slog.Info("connected to mpv", slog.String("component", "player"), slog.String("path", path))
	return &MPV{proc: proc, client: client}, nil
}

// Exited returns a channel closed when the mpv process exits.
func (m *MPV) Exited() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		if err := m.proc.Wait(); err != nil {
			slog.Warn("mpv exited", slog.String("component", "player"), slog.Any("err", err))
		}
		close(ch)
	}()
	return ch
}

// Close terminates mpv.
func (m *MPV) Close() {
	if err := m.proc.Close(); err != nil {
		slog.Warn("failed to close mpv", slog.String("component", "player"), slog.Any("err", err))
	}
}

// The IPC client takes no context, so each call only checks ctx before it is issued.

func (m *MPV) Play(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.client.LoadFile(location, mpv.LoadFileModeReplace); err != nil {
		return fmt.Errorf("mpv loadfile: %w", err)
	}
	if err := m.client.Play(); err != nil {
		return fmt.Errorf("mpv unpause: %w", err)
	}
	return nil
}

func (m *MPV) Pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.client.Pause()
}

func (m *MPV) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.client.Play()
}

func (m *MPV) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := m.client.Command("stop")
	return err
}

// Skip forces the playlist past the only loaded item, which leaves mpv idle.
func (m *MPV) Skip(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := m.client.Command("playlist-next", "force")
	return err
}

func (m *MPV) SetVolume(ctx context.Context, volume float64) error {
	return m.set(ctx, "volume", volume)
}

func (m *MPV) SetSpeed(ctx context.Context, speed float64) error {
	return m.set(ctx, "speed", speed)
}

func (m *MPV) SetFilter(ctx context.Context, filter string) error {
	return m.set(ctx, "af", filter)
}

func (m *MPV) set(ctx context.Context, property string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.client.SetProperty(property, value); err != nil {
		return fmt.Errorf("mpv set %s: %w", property, err)
	}
	return nil
}

func (m *MPV) IsEmpty(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	idle, err := m.client.GetIdleActive()
	if err != nil {
		return false, fmt.Errorf("mpv idle-active: %w", err)
	}
	return idle, nil
}

var _ Device = (*MPV)(nil)
