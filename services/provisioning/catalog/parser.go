package catalog

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/evaluator"
	"gopkg.in/go-playground/validator.v9"
)

var validate = validator.New()

// ExtractOffers reads every .yaml and .yml file under baseDirectory as an
// offer definition and validates it.
func ExtractOffers(baseDirectory string) ([]Offer, error) {
	var offers []Offer
	files := map[string]string{}
	err := filepath.WalkDir(baseDirectory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !(strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var offer Offer
		if err := yaml.Unmarshal(content, &offer); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := Validate(offer); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if other, dup := files[offer.Name]; dup {
			return fmt.Errorf("offer %s is defined in both %s and %s", offer.Name, other, path)
		}
		files[offer.Name] = path

		offers = append(offers, offer)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(offers, func(i, j int) bool { return offers[i].Name < offers[j].Name })
	return offers, nil
}

// Validate checks an offer for the mistakes that would otherwise only show
// up while provisioning: dangling template and webhook names, duplicate or
// reserved parameter names, and parameter expressions that reference
// unknown names or each other in a cycle.
func Validate(o Offer) error {
	if err := validate.Struct(o); err != nil {
		return err
	}

	templates, err := uniqueNames("arm template", len(o.ArmTemplates), func(i int) string { return o.ArmTemplates[i].Name })
	if err != nil {
		return err
	}
	webhooks, err := uniqueNames("webhook", len(o.Webhooks), func(i int) string { return o.Webhooks[i].Name })
	if err != nil {
		return err
	}
	if _, err := uniqueNames("plan", len(o.Plans), func(i int) string { return o.Plans[i].Name }); err != nil {
		return err
	}
	if _, err := uniqueNames("ip config", len(o.IpConfigs), func(i int) string { return o.IpConfigs[i].Name }); err != nil {
		return err
	}

	for _, p := range o.Plans {
		for _, name := range p.ArmTemplates.names() {
			if !templates[name] {
				return fmt.Errorf("plan %s references unknown arm template %s", p.Name, name)
			}
		}
		for _, name := range p.Webhooks.names() {
			if !webhooks[name] {
				return fmt.Errorf("plan %s references unknown webhook %s", p.Name, name)
			}
		}
	}

	parameters := map[string]string{}
	for _, p := range append(append([]Parameter{}, o.ArmTemplateParameters...), o.WebhookParameters...) {
		if evaluator.IsReservedParameterName(p.Name) {
			return fmt.Errorf("parameter name %s is reserved", p.Name)
		}
		if _, dup := parameters[p.Name]; dup {
			return fmt.Errorf("parameter %s is defined more than once", p.Name)
		}
		parameters[p.Name] = p.Value
	}

	known := map[string]any{}
	for _, name := range evaluator.ReservedParameterNames {
		known[name] = nil
	}
	if _, err := evaluator.SortParameters(parameters, known); err != nil {
		return err
	}
	return nil
}

func uniqueNames(kind string, n int, name func(int) string) (map[string]bool, error) {
	names := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		if names[name(i)] {
			return nil, fmt.Errorf("%s %s is defined more than once", kind, name(i))
		}
		names[name(i)] = true
	}
	return names, nil
}
