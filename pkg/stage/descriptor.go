package stage

import (
	"ideaforge/pkg/artifact"
	"ideaforge/pkg/instruction"
)

// Descriptor captures everything that differs between stage services.
// The Service is generic; a Descriptor specializes it.
type Descriptor struct {
	Stage           artifact.Stage
	InstructionName string
	Parse           func(raw string) (*artifact.ParsedOutput, error)
	// MaxTokens caps the provider completion for this stage.
	MaxTokens int
	// Temperature tunes the provider call; structured stages run cooler.
	Temperature float32
}

// Descriptors returns the stage table in pipeline order.
func Descriptors() []Descriptor {
	return []Descriptor{
		{
			Stage:           artifact.StageREQ,
			InstructionName: instruction.RequirementsAnalyzer,
			Parse:           parseRequirements,
			MaxTokens:       8192,
			Temperature:     0.3,
		},
		{
			Stage:           artifact.StagePLAN,
			InstructionName: instruction.ProjectPlanner,
			Parse:           parsePlan,
			MaxTokens:       8192,
			Temperature:     0.3,
		},
		{
			Stage:           artifact.StageSTORIES,
			InstructionName: instruction.StoryGenerator,
			Parse:           parseStories,
			MaxTokens:       12288,
			Temperature:     0.4,
		},
		{
			Stage:           artifact.StagePROMPT,
			InstructionName: instruction.PromptGenerator,
			Parse:           parsePrompt,
			MaxTokens:       8192,
			Temperature:     0.2,
		},
	}
}

// DescriptorFor returns the descriptor for one stage.
func DescriptorFor(s artifact.Stage) (Descriptor, bool) {
	for _, d := range Descriptors() {
		if d.Stage == s {
			return d, true
		}
	}
	return Descriptor{}, false
}
