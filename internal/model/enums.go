package model

// Role is the privilege level of an end user.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleRep     Role = "rep"
)

// ExtractionStatus tracks entity extraction for a chunk.
type ExtractionStatus string

const (
	ExtractionPending   ExtractionStatus = "pending"
	ExtractionCompleted ExtractionStatus = "completed"
	ExtractionFailed    ExtractionStatus = "failed"
)

// Topics is the closed set of conversation topic tags the extractor may assign.
var Topics = []string{
	"pricing",
	"budget",
	"timeline",
	"competitors",
	"integration",
	"security",
	"support",
	"implementation",
	"contract_terms",
	"product_features",
	"pain_points",
	"objections",
	"next_steps",
	"demo",
}

// FrameworkElements is the closed set of sales-qualification tags
// (MEDDICC-style) the extractor may assign.
var FrameworkElements = []string{
	"metrics",
	"economic_buyer",
	"decision_criteria",
	"decision_process",
	"identify_pain",
	"champion",
	"competition",
	"paper_process",
}

var (
	topicSet     = toSet(Topics)
	frameworkSet = toSet(FrameworkElements)
)

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// ValidTopic reports whether tag is part of the closed topic enumeration.
func ValidTopic(tag string) bool {
	_, ok := topicSet[tag]
	return ok
}

// ValidFrameworkElement reports whether tag is part of the closed framework enumeration.
func ValidFrameworkElement(tag string) bool {
	_, ok := frameworkSet[tag]
	return ok
}
