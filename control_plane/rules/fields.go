package rules

// Entity is an ad set (or ad) as returned by the agent proxy: a decoded JSON
// object with an optional nested "performance_metrics" object.
type Entity map[string]any

const performanceMetricsKey = "performance_metrics"

// Synthesized fields.
const (
	FieldCostPerAction     = "cost_per_action"
	FieldCostPerConversion = "cost_per_conversion"
	FieldConversionRate    = "conversion_rate"
)

// AttributeFields are the ad-set attributes a rule can filter on.
var AttributeFields = []string{
	"name", "status", "effective_status", "daily_budget", "lifetime_budget",
	"optimization_goal", "created_time", "updated_time",
}

// MetricFields are the performance metrics a rule can filter on.
var MetricFields = []string{
	"spend", "impressions", "clicks", "ctr", "cpc", "cpm", "reach", "frequency",
	"conversions", FieldCostPerAction, FieldCostPerConversion, FieldConversionRate,
}

func (e Entity) metrics() map[string]any {
	pm, _ := e[performanceMetricsKey].(map[string]any)
	return pm
}

// Resolve looks up field on e in order: performance metrics, top-level
// attribute, synthesized metric, Null.
func (e Entity) Resolve(field string) Value {
	pm := e.metrics()
	if raw, ok := pm[field]; ok {
		v := FromAny(raw)
		// Meta returns cost_per_action as a list of {action_type, value};
		// the scalar synthesized below is what a rule compares against.
		if !(v.Kind() == KindList && isSynthesized(field)) {
			return v
		}
	}

	if raw, ok := e[field]; ok {
		return FromAny(raw)
	}

	switch field {
	case FieldCostPerAction, FieldCostPerConversion:
		return Number(firstCostPerAction(pm))
	case FieldConversionRate:
		return Number(conversionRate(pm))
	}
	return Null()
}

func isSynthesized(field string) bool {
	switch field {
	case FieldCostPerAction, FieldCostPerConversion, FieldConversionRate:
		return true
	}
	return false
}

// firstCostPerAction returns performance_metrics.cost_per_action[0].value, or 0.
func firstCostPerAction(pm map[string]any) float64 {
	list, ok := pm[FieldCostPerAction].([]any)
	if !ok || len(list) == 0 {
		return 0
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return 0
	}
	f, ok := FromAny(first["value"]).AsNumber()
	if !ok {
		return 0
	}
	return f
}

// conversionRate is actions[0].value / clicks * 100, or 0 without clicks.
func conversionRate(pm map[string]any) float64 {
	clicks, ok := FromAny(pm["clicks"]).AsNumber()
	if !ok || clicks <= 0 {
		return 0
	}
	var conversions float64
	if actions, ok := pm["actions"].([]any); ok && len(actions) > 0 {
		if first, ok := actions[0].(map[string]any); ok {
			if f, ok := FromAny(first["value"]).AsNumber(); ok {
				conversions = f
			}
		}
	}
	return conversions * 100 / clicks
}
