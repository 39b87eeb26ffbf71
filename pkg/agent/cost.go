package agent

// ModelPricing is USD per million tokens for one model.
type ModelPricing struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// defaultPricing is used for models without a table entry.
var defaultPricing = ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0}

var pricingTable = map[string]ModelPricing{
	"gpt-4o":      {InputPerMillion: 2.5, OutputPerMillion: 10.0},
	"gpt-4o-mini": {InputPerMillion: 0.15, OutputPerMillion: 0.6},
	"o3-mini":     {InputPerMillion: 1.1, OutputPerMillion: 4.4},
}

// PricingFor returns the pricing for a model, falling back to a conservative
// default for unknown names.
func PricingFor(model ModelID) ModelPricing {
	if p, ok := pricingTable[model.Name]; ok {
		return p
	}
	return defaultPricing
}

// CostEstimate is the accumulated token and dollar cost of a session. It is
// an immutable value; AddTurn returns a new estimate and never decreases any
// total.
type CostEstimate struct {
	Usage       TokenUsage `json:"usage"`
	EstimateUSD float64    `json:"estimate_usd"`
	Turns       int        `json:"turns"`
}

// AddTurn folds one turn's usage into the estimate.
func (c CostEstimate) AddTurn(usage TokenUsage, pricing ModelPricing) CostEstimate {
	usd := float64(usage.InputTokens)/1e6*pricing.InputPerMillion +
		float64(usage.OutputTokens)/1e6*pricing.OutputPerMillion
	return CostEstimate{
		Usage:       c.Usage.Add(usage),
		EstimateUSD: c.EstimateUSD + usd,
		Turns:       c.Turns + 1,
	}
}
