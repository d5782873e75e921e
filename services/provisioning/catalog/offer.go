package catalog

// Offer is one offer definition file. Parameter values are expressions, so
// string literals are written quoted.
type Offer struct {
	Name                    string `yaml:"name" validate:"required"`
	HostSubscription        string `yaml:"hostSubscription"`
	ManualActivation        bool   `yaml:"manualActivation"`
	ManualCompleteOperation bool   `yaml:"manualCompleteOperation"`

	Plans                 []Plan        `yaml:"plans" validate:"dive"`
	ArmTemplates          []ArmTemplate `yaml:"armTemplates" validate:"dive"`
	ArmTemplateParameters []Parameter   `yaml:"armTemplateParameters" validate:"dive"`
	Webhooks              []Webhook     `yaml:"webhooks" validate:"dive"`
	WebhookParameters     []Parameter   `yaml:"webhookParameters" validate:"dive"`
	IpConfigs             []IpConfig    `yaml:"ipConfigs" validate:"dive"`
}

type Plan struct {
	Name                string  `yaml:"name" validate:"required"`
	DataRetentionInDays int     `yaml:"dataRetentionInDays" validate:"gte=0"`
	ArmTemplates        Actions `yaml:"armTemplates"`
	Webhooks            Actions `yaml:"webhooks"`
}

// Actions names the template or webhook run for each provisioning type.
// Update and Reinstate use Subscribe.
type Actions struct {
	Subscribe   string `yaml:"subscribe"`
	Unsubscribe string `yaml:"unsubscribe"`
	Suspend     string `yaml:"suspend"`
	DeleteData  string `yaml:"deleteData"`
}

func (a Actions) names() []string {
	var names []string
	for _, n := range []string{a.Subscribe, a.Unsubscribe, a.Suspend, a.DeleteData} {
		if n != "" {
			names = append(names, n)
		}
	}
	return names
}

type ArmTemplate struct {
	Name string `yaml:"name" validate:"required"`
	Path string `yaml:"path" validate:"required"`
}

type Webhook struct {
	Name string `yaml:"name" validate:"required"`
	Url  string `yaml:"url" validate:"required"`
}

type Parameter struct {
	Name  string `yaml:"name" validate:"required"`
	Type  string `yaml:"type"`
	Value string `yaml:"value" validate:"required"`
}

type IpConfig struct {
	Name          string   `yaml:"name" validate:"required"`
	IpRangeLength int      `yaml:"ipRangeLength" validate:"required,gt=0"`
	Blocks        []string `yaml:"blocks" validate:"dive,cidrv4"`
}
