package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/service"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const armTemplateSchema = `{
	"type": "object",
	"required": ["resources"],
	"properties": {
		"$schema": {"type": "string"},
		"contentVersion": {"type": "string"},
		"parameters": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["type"],
				"properties": {
					"type": {"type": "string"}
				}
			}
		},
		"resources": {"type": ["array", "object"]}
	}
}`

var compiledArmTemplateSchema = jsonschema.MustCompileString("arm-template.json", armTemplateSchema)

type blobDownloader interface {
	DownloadStream(ctx context.Context, containerName string, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
}

// TemplateStore reads ARM templates from blob storage.
type TemplateStore struct {
	client    blobDownloader
	container string
}

func NewTemplateStore(accountUrl, container string, cred azcore.TokenCredential) (*TemplateStore, error) {
	client, err := azblob.NewClient(accountUrl, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	return &TemplateStore{client: client, container: container}, nil
}

// Download fetches the template at path. A full blob url names its own
// container, anything else is a blob in the configured container.
func (s *TemplateStore) Download(ctx context.Context, path string) ([]byte, error) {
	container, blob := s.container, strings.TrimPrefix(path, "/")
	if strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		parts, err := azblob.ParseURL(path)
		if err != nil {
			return nil, service.NewFatalError(fmt.Errorf("invalid template url %s: %w", path, err))
		}
		container, blob = parts.ContainerName, parts.BlobName
	}

	resp, err := s.client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("download template %s: %w", path, err), "")
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, service.NewRetryableError(fmt.Errorf("read template %s: %w", path, err), "")
	}
	return content, nil
}

// GetArmTemplateParameterNames returns the sorted names declared in the
// template's parameters section.
func (s *TemplateStore) GetArmTemplateParameterNames(content []byte) ([]string, error) {
	var template map[string]any
	if err := json.Unmarshal(content, &template); err != nil {
		return nil, fmt.Errorf("template is not valid json: %w", err)
	}
	if err := compiledArmTemplateSchema.Validate(template); err != nil {
		return nil, fmt.Errorf("template is not a valid arm template: %w", err)
	}

	parameters, _ := template["parameters"].(map[string]any)
	names := make([]string, 0, len(parameters))
	for name := range parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
