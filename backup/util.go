package backup

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/tidwall/gjson"
)

var log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level:     slog.LevelInfo,
	AddSource: true,
}))

// SetLogger sets the global logger used throughout the backup package.
func SetLogger(logger *slog.Logger) {
	if logger != nil {
		log = logger
	}
}

// QMPError is an error reply from the monitor.
type QMPError struct {
	Class string
	Desc  string
}

func (e *QMPError) Error() string {
	return fmt.Sprintf("qmp %s: %s", e.Class, e.Desc)
}

// RunQMPAndLog sends a raw QMP command to the monitor and logs the response.
// An error reply is returned as *QMPError.
func RunQMPAndLog(monitor qmp.Monitor, json string) ([]byte, error) {
	log.Debug("qmp command", "json", json)
	raw, err := monitor.Run([]byte(json))
	if err != nil {
		return raw, err
	}
	PrettyPrintJSON(string(raw))
	if e := gjson.GetBytes(raw, "error"); e.Exists() {
		return raw, &QMPError{Class: e.Get("class").String(), Desc: e.Get("desc").String()}
	}
	return raw, nil
}

// PrettyPrintJSON formats and logs a JSON string for debugging purposes.
func PrettyPrintJSON(raw string) {
	if !gjson.Valid(raw) {
		// Invalid JSON, printing raw
		log.Debug(raw)
		return
	}
	log.Debug(gjson.Get(raw, "@pretty").String())
}
