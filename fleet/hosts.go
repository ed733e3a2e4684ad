package fleet

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// WriteHosts saves the DNS names of every running instance, one per line.
// The file is a convenience cache for tools like ssh; the provider remains
// authoritative.
func (r *Registry) WriteHosts(path string) error {
	var b strings.Builder
	for _, inst := range r.Running().Instances() {
		if inst.DNSName == "" {
			continue
		}
		fmt.Fprintln(&b, inst.DNSName)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// LoadHosts reads a hosts cache written by WriteHosts. The controller only
// ever writes the cache; the cache exists for external tooling (ssh, rsync
// scripts) and LoadHosts is the matching reader for such consumers.
func LoadHosts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hosts := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			hosts = append(hosts, line)
		}
	}
	return hosts, scanner.Err()
}
