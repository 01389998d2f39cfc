package proxy

import (
	"strconv"
	"strings"

	"github.com/getlantern/errors"
)

// PortsFromCSV parses a comma separated list of ports such as "80,443".
func PortsFromCSV(csv string) ([]int, error) {
	fields := strings.Split(csv, ",")
	ports := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		p, err := strconv.Atoi(f)
		if err != nil || p <= 0 || p > 65535 {
			return nil, errors.New("Invalid port %q", f)
		}
		ports = append(ports, p)
	}
	return ports, nil
}
