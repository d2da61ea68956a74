package engine

import (
	"errors"
	"fmt"
	"os"
	"strings"

	iface "HelmetDetServer/interface"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004

const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

var (
	ErrNotRegistered = errors.New("detector not registered")
	ErrNotLoaded     = errors.New("model not loaded")
	ErrBusy          = errors.New("detector is busy")
)

// ReadLinesReadFile reads a label file, one name per line, dropping blank lines.
func ReadLinesReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := strings.Split(string(b), "\n")
	var lines []string
	for _, l := range raw {
		// CRLF files
		l = strings.TrimSpace(strings.TrimRight(l, "\r"))
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// NamesConf selects the model's label table, either inline or from a file.
// With neither set the helmet model's own table is used.
type NamesConf struct {
	File string
	List []string
}

func (n NamesConf) Resolve() ([]string, error) {
	switch {
	case n.File != "":
		names, err := ReadLinesReadFile(n.File)
		if err != nil {
			return nil, fmt.Errorf("read names file: %w", err)
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("names file %s is empty", n.File)
		}
		return names, nil
	case len(n.List) > 0:
		return append([]string(nil), n.List...), nil
	default:
		return append([]string(nil), iface.Names...), nil
	}
}
