package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	yamlv3 "gopkg.in/yaml.v3"
)

func Quarantine(dataDir, filePath string) error {
	quarantineDir := filepath.Join(dataDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantineName := fmt.Sprintf("%s.%s.corrupt", baseName, timestamp)
	quarantinePath := filepath.Join(quarantineDir, quarantineName)

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}

	log.Warn().Str("from", filePath).Str("to", quarantinePath).Msg("quarantined corrupted file")
	return nil
}

func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	// Validate backup is valid YAML
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	log.Info().Str("backup", bakPath).Str("file", filePath).Msg("restored from backup")
	return nil
}

func GenerateSkeleton(filePath string, fileType string) error {
	skeleton := generateSkeletonForType(fileType)
	content, err := yamlv3.Marshal(skeleton)
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}

	log.Info().Str("file", filePath).Str("type", fileType).Msg("generated skeleton")
	return nil
}

func RecoverCorruptedFile(dataDir, filePath, fileType string) error {
	// Step 1: Quarantine the corrupted file
	if err := Quarantine(dataDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	// Step 2: Try to restore from .bak
	if err := RestoreFromBackup(filePath); err != nil {
		log.Warn().Err(err).Str("file", filePath).Msg("backup restore failed, falling back to skeleton generation")
	} else {
		return nil
	}

	// Step 3: Generate minimal skeleton
	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return fmt.Errorf("skeleton generation failed: %w", err)
	}

	return nil
}

func generateSkeletonForType(fileType string) any {
	switch fileType {
	case FileTypeTaskQueue:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      FileTypeTaskQueue,
			"tasks":          []any{},
		}
	case FileTypeSessionLog:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      FileTypeSessionLog,
			"sessions":       []any{},
		}
	default:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
		}
	}
}
