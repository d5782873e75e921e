package evaluator

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

const (
	OfferNameParameterName         = "system$$offerName"
	SubscriptionOwnerParameterName = "system$$subscriptionOwner"
	SubscriptionIdParameterName    = "system$$subscriptionId"
	PlanNameParameterName          = "system$$planName"
	OperationTypeParameterName     = "system$$operationType"
)

// ReservedParameterNames are filled in by every context and cannot be
// defined by an offer.
var ReservedParameterNames = []string{
	OfferNameParameterName,
	SubscriptionOwnerParameterName,
	SubscriptionIdParameterName,
	PlanNameParameterName,
	OperationTypeParameterName,
}

func IsReservedParameterName(name string) bool {
	for _, n := range ReservedParameterNames {
		if n == name {
			return true
		}
	}
	return false
}

// ProvisioningContext is built for a single operation and maps parameter
// names to resolved values.
type ProvisioningContext struct {
	OfferName         string
	SubscriptionOwner string
	SubscriptionID    uuid.UUID
	PlanName          string
	OperationType     string

	Parameters map[string]any
}

func newProvisioningContext(offerName, owner string, subscriptionID uuid.UUID, planName, operationType string) *ProvisioningContext {
	return &ProvisioningContext{
		OfferName:         offerName,
		SubscriptionOwner: owner,
		SubscriptionID:    subscriptionID,
		PlanName:          planName,
		OperationType:     operationType,
		Parameters: map[string]any{
			OfferNameParameterName:         offerName,
			SubscriptionOwnerParameterName: owner,
			SubscriptionIdParameterName:    subscriptionID.String(),
			PlanNameParameterName:          planName,
			OperationTypeParameterName:     operationType,
		},
	}
}

// Lookup returns the value of name rendered as a string.
func (pc *ProvisioningContext) Lookup(name string) (string, bool) {
	v, ok := pc.Parameters[name]
	if !ok {
		return "", false
	}
	return FormatValue(v), true
}

// FormatValue renders a resolved value the way it is substituted into
// webhook urls and cached rows.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

const jsonValueType = "json"

func encodeValue(v any) (string, string) {
	switch t := v.(type) {
	case string:
		return t, "string"
	case int:
		return strconv.Itoa(t), "int"
	case int64:
		return strconv.FormatInt(t, 10), "int64"
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), "float64"
	case bool:
		return strconv.FormatBool(t), "bool"
	default:
		return FormatValue(t), jsonValueType
	}
}

func decodeValue(value, typ string) (any, error) {
	switch typ {
	case "", "string":
		return value, nil
	case "int":
		return strconv.Atoi(value)
	case "int64":
		return strconv.ParseInt(value, 10, 64)
	case "float64":
		return strconv.ParseFloat(value, 64)
	case "bool":
		return strconv.ParseBool(value)
	case jsonValueType:
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown parameter type %s", typ)
	}
}
