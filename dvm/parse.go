package dvm

import (
	"sort"
	"strconv"
	"strings"

	"github.com/nerfZael/dronehub/model"
)

// parsePorts reads `host:container` lines. Malformed rows are skipped,
// duplicates collapse, and the result sorts by container port then host port.
func parsePorts(out []byte) []model.PortMapping {
	seen := make(map[model.PortMapping]bool)
	var ports []model.PortMapping
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		host, container, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		h, err := strconv.Atoi(strings.TrimSpace(host))
		if err != nil || h <= 0 {
			continue
		}
		c, err := strconv.Atoi(strings.TrimSpace(container))
		if err != nil || c <= 0 {
			continue
		}
		m := model.PortMapping{HostPort: h, ContainerPort: c}
		if seen[m] {
			continue
		}
		seen[m] = true
		ports = append(ports, m)
	}
	sort.Slice(ports, func(i, j int) bool {
		if ports[i].ContainerPort != ports[j].ContainerPort {
			return ports[i].ContainerPort < ports[j].ContainerPort
		}
		return ports[i].HostPort < ports[j].HostPort
	})
	return ports
}

// parseLs extracts container names from `ls` output, one block per container
// with a leading "Name: <c>" line. Names are deduplicated in first-seen order.
func parseLs(out []byte) []string {
	seen := make(map[string]bool)
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), "Name:")
		if !ok {
			continue
		}
		name := strings.TrimSpace(rest)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// parseSessionRead splits the "Offset: <n>" header from the raw payload that
// follows it. Output without a parsable header comes back verbatim with a
// zero offset.
func parseSessionRead(out []byte) ReadResult {
	s := string(out)
	header, rest, ok := strings.Cut(s, "\n")
	if !ok {
		header, rest = s, ""
	}
	v, found := strings.CutPrefix(strings.TrimSpace(header), "Offset:")
	if !found {
		return ReadResult{Text: s}
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return ReadResult{Text: s}
	}
	return ReadResult{OffsetBytes: offset, Text: rest}
}

// parseExportedPath pulls the host path out of the "Exported <format> -> <path>"
// line that `repo export` prints. Empty when no line matches.
func parseExportedPath(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Exported ") {
			continue
		}
		_, path, ok := strings.Cut(line, "->")
		if !ok {
			continue
		}
		if p := strings.TrimSpace(path); p != "" {
			return p
		}
	}
	return ""
}

// parseBaseImage returns the tag from the last "Base image: <tag>" line, or
// empty when the engine printed none.
func parseBaseImage(out []byte) string {
	tag := ""
	for _, line := range strings.Split(string(out), "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), "Base image:")
		if !ok {
			continue
		}
		if v := strings.TrimSpace(rest); v != "" {
			tag = v
		}
	}
	return tag
}
