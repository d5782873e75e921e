package azure

import (
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/config"
)

// NewCredential returns a client secret credential when the service
// principal is configured and the default credential chain otherwise.
func NewCredential(cfg config.Azure) (azcore.TokenCredential, error) {
	if cfg.TenantID != "" && cfg.ClientID != "" && cfg.ClientSecret != "" {
		return azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	}
	return azidentity.NewDefaultAzureCredential(nil)
}
