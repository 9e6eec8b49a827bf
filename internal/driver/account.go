package driver

import (
	"errors"
	"fmt"
	"strings"
)

// Provider identifies a cloud provider
type Provider string

// Supported providers
const (
	ProviderAmazon    Provider = "amazon"
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// AccountSpec describes one side of a migration. Cloud selects which of the
// provider sections applies (discriminated union).
type AccountSpec struct {
	Cloud  Provider `json:"cloud" yaml:"cloud"`
	Bucket string   `json:"bucket" yaml:"bucket"`

	Amazon    *AmazonAccount    `json:"amazon,omitempty" yaml:"amazon,omitempty"`
	Google    *GoogleAccount    `json:"google,omitempty" yaml:"google,omitempty"`
	Microsoft *MicrosoftAccount `json:"microsoft,omitempty" yaml:"microsoft,omitempty"`
}

// AmazonAccount holds AWS credentials, placement and sizing
type AmazonAccount struct {
	AccessKeyID      string `json:"aws_access_key_id" yaml:"aws_access_key_id"`
	SecretAccessKey  string `json:"aws_secret_access_key" yaml:"aws_secret_access_key"`
	Region           string `json:"region" yaml:"region"`
	AvailabilityZone string `json:"availability_zone" yaml:"availability_zone"`
	InstanceType     string `json:"instance_type" yaml:"instance_type"`
}

// ServiceAccountKey is a Google service account key document
type ServiceAccountKey struct {
	Type                    string `json:"type" yaml:"type"`
	ProjectID               string `json:"project_id" yaml:"project_id"`
	PrivateKeyID            string `json:"private_key_id" yaml:"private_key_id"`
	PrivateKey              string `json:"private_key" yaml:"private_key"`
	ClientEmail             string `json:"client_email" yaml:"client_email"`
	ClientID                string `json:"client_id" yaml:"client_id"`
	AuthURI                 string `json:"auth_uri" yaml:"auth_uri"`
	TokenURI                string `json:"token_uri" yaml:"token_uri"`
	AuthProviderX509CertURL string `json:"auth_provider_x509_cert_url" yaml:"auth_provider_x509_cert_url"`
	ClientX509CertURL       string `json:"client_x509_cert_url" yaml:"client_x509_cert_url"`
}

// GoogleAccount holds GCP credentials, placement and sizing. System is the
// OS identifier handed to the image import tool, e.g. ubuntu-1804.
type GoogleAccount struct {
	ServiceAccount ServiceAccountKey `json:"service_account" yaml:"service_account"`
	Zone           string            `json:"zone" yaml:"zone"`
	MachineType    string            `json:"machine_type" yaml:"machine_type"`
	System         string            `json:"system" yaml:"system"`
}

// MicrosoftAccount holds Azure credentials, placement and sizing
type MicrosoftAccount struct {
	ClientID           string `json:"client_id" yaml:"client_id"`
	ClientSecret       string `json:"client_secret" yaml:"client_secret"`
	TenantID           string `json:"tenant_id" yaml:"tenant_id"`
	SubscriptionID     string `json:"subscription_id" yaml:"subscription_id"`
	ResourceGroupName  string `json:"resource_group_name" yaml:"resource_group_name"`
	Location           string `json:"location" yaml:"location"`
	Zone               string `json:"zones,omitempty" yaml:"zones,omitempty"`
	StorageAccountName string `json:"storage_account_name" yaml:"storage_account_name"`
	StorageAccountKey  string `json:"storage_account_key" yaml:"storage_account_key"`
	VirtualMachineSize string `json:"virtual_machine_size" yaml:"virtual_machine_size"`
	Network            string `json:"network" yaml:"network"`
	Subnet             string `json:"subnet" yaml:"subnet"`
	AdminUsername      string `json:"admin_username" yaml:"admin_username"`
	AdminPassword      string `json:"admin_password" yaml:"admin_password"`
}

// Validate checks the section matching Cloud is present and complete
func (a AccountSpec) Validate() error {
	if a.Bucket == "" {
		return errors.New("bucket is required")
	}

	var missing []string
	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	switch a.Cloud {
	case ProviderAmazon:
		if a.Amazon == nil {
			return errors.New("amazon section is required for cloud amazon")
		}
		require("aws_access_key_id", a.Amazon.AccessKeyID)
		require("aws_secret_access_key", a.Amazon.SecretAccessKey)
		require("region", a.Amazon.Region)
		require("availability_zone", a.Amazon.AvailabilityZone)
		require("instance_type", a.Amazon.InstanceType)
	case ProviderGoogle:
		if a.Google == nil {
			return errors.New("google section is required for cloud google")
		}
		require("service_account.project_id", a.Google.ServiceAccount.ProjectID)
		require("service_account.private_key", a.Google.ServiceAccount.PrivateKey)
		require("service_account.client_email", a.Google.ServiceAccount.ClientEmail)
		require("zone", a.Google.Zone)
		require("machine_type", a.Google.MachineType)
		require("system", a.Google.System)
	case ProviderMicrosoft:
		if a.Microsoft == nil {
			return errors.New("microsoft section is required for cloud microsoft")
		}
		m := a.Microsoft
		require("client_id", m.ClientID)
		require("client_secret", m.ClientSecret)
		require("tenant_id", m.TenantID)
		require("subscription_id", m.SubscriptionID)
		require("resource_group_name", m.ResourceGroupName)
		require("location", m.Location)
		require("storage_account_name", m.StorageAccountName)
		require("storage_account_key", m.StorageAccountKey)
		require("virtual_machine_size", m.VirtualMachineSize)
		require("network", m.Network)
		require("subnet", m.Subnet)
		require("admin_username", m.AdminUsername)
		require("admin_password", m.AdminPassword)
	case "":
		return errors.New("cloud is required")
	default:
		return fmt.Errorf("unsupported cloud provider: %q", a.Cloud)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%s account is missing %s", a.Cloud, strings.Join(missing, ", "))
	}
	return nil
}
