package output

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"img-harvester/pkg/models"
	"img-harvester/pkg/utils"
)

// Manifest is the YAML document written next to the harvested images
type Manifest struct {
	Request     ManifestRequest       `yaml:"request"`
	TotalSaved  int                   `yaml:"total_images_saved"`
	TotalFailed int                   `yaml:"total_failures"`
	Result      *models.HarvestResult `yaml:"result"`
}

// ManifestRequest echoes the request that produced the run
type ManifestRequest struct {
	RootURL        string `yaml:"root_url"`
	OutputRoot     string `yaml:"output_root"`
	SameOriginOnly bool   `yaml:"same_origin_only"`
	MaxLinks       int    `yaml:"max_links,omitempty"`
	DatedSubfolder bool   `yaml:"dated_subfolder"`
}

// WriteManifest marshals the run summary to dir/filename.
// The file is written to a temp name first and renamed into place.
func WriteManifest(dir, filename string, req models.HarvestRequest, result *models.HarvestResult) (string, error) {
	manifest := Manifest{
		Request: ManifestRequest{
			RootURL:        req.RootURL,
			OutputRoot:     req.OutputRoot,
			SameOriginOnly: req.SameOriginOnly,
			MaxLinks:       req.MaxLinks,
			DatedSubfolder: req.DatedSubfolder,
		},
		TotalSaved:  len(result.Images),
		TotalFailed: len(result.Failures),
		Result:      result,
	}

	yamlData, err := yaml.Marshal(&manifest)
	if err != nil {
		return "", fmt.Errorf("%w: marshal manifest YAML: %w", utils.ErrParsing, err)
	}

	yamlFilePath := filepath.Join(dir, filename)
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return "", fmt.Errorf("%w: creating manifest: %w", utils.ErrFilesystem, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(yamlData); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: writing manifest: %w", utils.ErrFilesystem, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: closing manifest: %w", utils.ErrFilesystem, err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: chmod manifest: %w", utils.ErrFilesystem, err)
	}
	if err := os.Rename(tmpPath, yamlFilePath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: renaming manifest to '%s': %w", utils.ErrFilesystem, yamlFilePath, err)
	}
	return yamlFilePath, nil
}

// ReadManifest loads a manifest previously written by WriteManifest
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest: %w", utils.ErrFilesystem, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest YAML: %w", utils.ErrParsing, err)
	}
	return &m, nil
}
