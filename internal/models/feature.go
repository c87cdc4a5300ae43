package models

// Feature identifies a metered operation that consumes credits.
type Feature string

const (
	FeatureTranscription        Feature = "TRANSCRIPTION"
	FeatureTopicModelling       Feature = "TOPIC_MODELLING"
	FeatureCustomTopicModelling Feature = "CUSTOM_TOPIC_MODELLING"
	FeatureSentimentAnalysis    Feature = "SENTIMENT_ANALYSIS"
	FeatureSemanticFrame        Feature = "SEMANTIC_FRAME"
	FeatureAIInsights           Feature = "AI_INSIGHTS"
	FeatureDocumentAnalysis     Feature = "DOCUMENT_ANALYSIS"
)

var featureCosts = map[Feature]int64{
	FeatureTranscription:        5,
	FeatureTopicModelling:       1,
	FeatureCustomTopicModelling: 1,
	FeatureSentimentAnalysis:    1,
	FeatureSemanticFrame:        1,
	FeatureAIInsights:           4,
	FeatureDocumentAnalysis:     3,
}

// Cost returns the credits consumed by one use of f.
func (f Feature) Cost() (int64, bool) {
	cost, ok := featureCosts[f]
	return cost, ok
}
