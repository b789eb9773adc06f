package vmware

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

// diskKey matches the per-device keys of a disk slot, e.g. "scsi0:1.fileName".
var diskKey = regexp.MustCompile(`^((?:scsi|sata|ide|nvme)\d+:\d+)\.([A-Za-z]+)$`)

// identityKeys are regenerated by the hypervisor when missing.
var identityKeys = map[string]bool{
	"uuid.bios":     true,
	"uuid.location": true,
	"vc.uuid":       true,
	"displayname":   true,
}

// stripDisks rewrites a saved VM configuration for registration under name:
// virtual disk slots and identity keys are removed so the restored disks can
// be attached fresh and the VM gets its own identity.
func stripDisks(vmx []byte, name string) []byte {
	type line struct {
		key, text string
	}
	var lines []line
	disks := map[string]bool{}

	sc := bufio.NewScanner(bytes.NewReader(vmx))
	for sc.Scan() {
		text := sc.Text()
		key, value, ok := parseLine(text)
		if !ok {
			lines = append(lines, line{text: text})
			continue
		}
		if m := diskKey.FindStringSubmatch(key); m != nil && strings.EqualFold(m[2], "fileName") &&
			strings.HasSuffix(strings.ToLower(value), ".vmdk") {
			disks[m[1]] = true
		}
		lines = append(lines, line{key: key, text: text})
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "displayName = %q\n", name)
	for _, l := range lines {
		if l.key != "" {
			if identityKeys[strings.ToLower(l.key)] {
				continue
			}
			if m := diskKey.FindStringSubmatch(l.key); m != nil && disks[m[1]] {
				continue
			}
		}
		out.WriteString(l.text)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// parseLine splits a `key = "value"` line. Comments and blank lines report
// false.
func parseLine(text string) (key, value string, ok bool) {
	t := strings.TrimSpace(text)
	if t == "" || strings.HasPrefix(t, "#") || strings.HasPrefix(t, ".") {
		return "", "", false
	}
	key, value, ok = strings.Cut(t, "=")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(key), strings.Trim(strings.TrimSpace(value), `"`), true
}
