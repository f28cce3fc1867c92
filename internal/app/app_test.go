package app

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	mcpmock "github.com/vocero-ai/vocero/internal/mcp/mock"
	historymock "github.com/vocero-ai/vocero/pkg/history/mock"
)

func TestNewWiresSubsystems(t *testing.T) {
	cfg := testConfig()
	cfg.Server.ListenAddr = ":0"
	cfg.Server.HealthAddr = ":0"

	a, err := New(context.Background(), cfg, testRegistry(newFactoryRecorder()),
		WithToolHost(&mcpmock.Host{}),
		WithHistoryStore(&historymock.Store{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.media == nil {
		t.Error("media server not constructed")
	}
	if a.ops == nil {
		t.Error("ops server not constructed despite health_addr")
	}
	if a.sessions == nil {
		t.Error("session manager not constructed")
	}
}

func TestNewFailsFastOnUnregisteredProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults.LLM.Provider = "acme-llm"

	_, err := New(context.Background(), cfg, testRegistry(newFactoryRecorder()),
		WithToolHost(&mcpmock.Host{}),
		WithHistoryStore(&historymock.Store{}),
	)
	if err == nil {
		t.Fatal("New with unregistered provider = nil error, want probe failure")
	}
}

func TestNewSkipsOpsWithoutHealthAddr(t *testing.T) {
	cfg := testConfig()
	cfg.Server.HealthAddr = ""

	a, err := New(context.Background(), cfg, testRegistry(newFactoryRecorder()),
		WithToolHost(&mcpmock.Host{}),
		WithHistoryStore(&historymock.Store{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.ops != nil {
		t.Error("ops server constructed without health_addr")
	}
}

func TestLoadHoldAudioRawPCM(t *testing.T) {
	pcm := make([]byte, 640)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "hold.pcm")
	if err := os.WriteFile(path, pcm, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := loadHoldAudio(path)
	if err != nil {
		t.Fatalf("loadHoldAudio: %v", err)
	}
	if len(got) != len(pcm) {
		t.Errorf("len = %d, want %d (raw PCM passes through)", len(got), len(pcm))
	}
}

func TestLoadHoldAudioWAVResamples(t *testing.T) {
	// Minimal RIFF/WAVE header announcing 8 kHz mono, followed by 20 ms of
	// samples. The loader must strip the header and upsample to the
	// pipeline rate.
	body := make([]byte, 320)
	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(body)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], 1) // mono
	binary.LittleEndian.PutUint32(header[24:28], 8000)
	binary.LittleEndian.PutUint32(header[28:32], 16000)
	binary.LittleEndian.PutUint16(header[32:34], 2)
	binary.LittleEndian.PutUint16(header[34:36], 16)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(body)))

	path := filepath.Join(t.TempDir(), "hold.wav")
	if err := os.WriteFile(path, append(header, body...), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := loadHoldAudio(path)
	if err != nil {
		t.Fatalf("loadHoldAudio: %v", err)
	}
	if len(got) != 640 {
		t.Errorf("len = %d, want 640 (20 ms upsampled to 16 kHz)", len(got))
	}
}

func TestLoadHoldAudioEmptyPath(t *testing.T) {
	got, err := loadHoldAudio("")
	if err != nil || got != nil {
		t.Errorf("loadHoldAudio(\"\") = %v, %v; want nil, nil", got, err)
	}
}
