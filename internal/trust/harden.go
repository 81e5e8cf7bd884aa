package trust

import (
	"fmt"
	"os"
	"strings"
)

const (
	trustSectionHeader = "[trust]"
	verifySettingLine  = "verify_certificates = true"
)

// Harden flips verify_certificates to true in the agent's own configuration
// file so later runs refuse unverified chains. The edit is textual to keep
// the operator's comments and formatting intact.
func Harden(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config for hardening: %w", err)
	}

	updated, err := upsertVerifySetting(string(data))
	if err != nil {
		return err
	}

	info, err := os.Stat(configPath)
	if err != nil {
		return fmt.Errorf("failed to stat config: %w", err)
	}

	if err := writeFileAtomic(configPath, []byte(updated), info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write hardened config: %w", err)
	}

	return nil
}

func upsertVerifySetting(content string) (string, error) {
	lines := strings.Split(content, "\n")

	sectionStart := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == trustSectionHeader {
			sectionStart = i
			break
		}
	}

	if sectionStart == -1 {
		out := content
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += "\n" + trustSectionHeader + "\n" + verifySettingLine + "\n"
		return out, nil
	}

	for i := sectionStart + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, "[") {
			break
		}
		if key, _, ok := strings.Cut(trimmed, "="); ok && strings.TrimSpace(key) == "verify_certificates" {
			lines[i] = verifySettingLine
			return strings.Join(lines, "\n"), nil
		}
	}

	insertAt := sectionStart + 1
	lines = append(lines[:insertAt], append([]string{verifySettingLine}, lines[insertAt:]...)...)
	return strings.Join(lines, "\n"), nil
}
