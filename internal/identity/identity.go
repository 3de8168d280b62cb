package identity

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// Identity describes the hardware and software this agent runs on.
// It is read once at startup and never changes for the lifetime of
// the process.
type Identity struct {
	UUID            string
	Platform        string
	Board           string
	BoardVersion    string
	SoftwareVersion string
}

// Options control where identity data is read from. Zero values fall
// back to the standard Raspberry Pi paths.
type Options struct {
	// EEPROMPath is the sysfs path of the identity EEPROM.
	EEPROMPath string
	// ModelPath is the device-tree model file.
	ModelPath string
	// FallbackPath stores a generated UUID when no EEPROM is present,
	// so the fallback stays stable across boots.
	FallbackPath string
}

const (
	defaultEEPROMPath = "/sys/bus/i2c/devices/1-0050/eeprom"
	defaultModelPath  = "/proc/device-tree/model"
)

// Read assembles the device identity. A missing or unreadable EEPROM
// degrades to a generated UUID persisted at FallbackPath; it never
// fails the caller.
func Read(opts Options, version string, logger *slog.Logger) *Identity {
	if opts.EEPROMPath == "" {
		opts.EEPROMPath = defaultEEPROMPath
	}
	if opts.ModelPath == "" {
		opts.ModelPath = defaultModelPath
	}

	id := &Identity{
		Platform:        runtime.GOOS + "/" + runtime.GOARCH,
		SoftwareVersion: version,
	}

	id.UUID, id.Board, id.BoardVersion = readEEPROM(opts.EEPROMPath)
	if id.UUID == "" {
		id.UUID = fallbackUUID(opts.FallbackPath, logger)
		logger.Warn("hardware EEPROM unavailable, using fallback UUID", "uuid", id.UUID)
	}

	if id.Board == "" {
		if model, err := os.ReadFile(opts.ModelPath); err == nil {
			id.Board = strings.TrimRight(string(model), "\x00\n")
		}
	}
	if id.Board == "" {
		id.Board = "unknown"
	}

	return id
}

// readEEPROM parses the identity EEPROM. Layout is three lines:
// uuid, board model, board hardware version. Trailing 0xFF padding
// from an unprogrammed EEPROM is stripped.
func readEEPROM(path string) (uuid, board, boardVersion string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", ""
	}
	trimmed := strings.TrimFunc(string(data), func(r rune) bool {
		return r == 0xFF || r == 0x00 || r == '\n' || r == ' '
	})
	lines := strings.Split(trimmed, "\n")
	if len(lines) > 0 {
		uuid = strings.TrimSpace(lines[0])
	}
	if len(lines) > 1 {
		board = strings.TrimSpace(lines[1])
	}
	if len(lines) > 2 {
		boardVersion = strings.TrimSpace(lines[2])
	}
	return uuid, board, boardVersion
}

// fallbackUUID loads a previously generated UUID, or generates and
// persists a new one.
func fallbackUUID(path string, logger *slog.Logger) string {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if s := strings.TrimSpace(string(data)); s != "" {
				return s
			}
		}
	}

	generated := uuid.NewString()
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
			if err := os.WriteFile(path, []byte(generated+"\n"), 0o644); err != nil {
				logger.Warn("persist fallback UUID", "err", err)
			}
		}
	}
	return generated
}

// ShortID derives a short identifier from a UUID, suitable for naming
// the setup access point.
func ShortID(uuid string) string {
	clean := strings.ReplaceAll(uuid, "-", "")
	if len(clean) > 4 {
		clean = clean[len(clean)-4:]
	}
	return strings.ToUpper(clean)
}
