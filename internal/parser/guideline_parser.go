package parser

import (
	"regexp"
	"strings"

	"guideline-rag/internal/models"
)

var (
	sectionRe        = regexp.MustCompile(models.SectionRegex)
	recommendationRe = regexp.MustCompile(models.RecommendationRegex)
	evidenceRe       = regexp.MustCompile(models.EvidenceRegex)
	referencesRe     = regexp.MustCompile(models.ReferencesRegex)
)

type guidelineParserState struct {
	section, recommendation, evidence string
	page                              int
	content                           strings.Builder
	result                            []models.Chunk
	done                              bool
}

// StructureGuideline regroups page text into blocks that follow the guideline's
// own structure: numbered sections and recommendations. Each block carries the
// section, recommendation number and evidence level in force for it. Everything
// after a References heading is dropped.
func StructureGuideline(pages []models.Chunk) []models.Chunk {
	var state guidelineParserState
	for _, page := range pages {
		if state.done {
			break
		}
		// page boundaries always start a new block
		flushBlock(&state)
		state.page = page.PageNumber
		if page.Section != "" {
			state.section = page.Section
			state.recommendation = ""
			state.evidence = ""
		}
		for _, line := range strings.Split(page.Content, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if referencesRe.MatchString(line) {
				state.done = true
				break
			}
			processGuidelineLine(line, &state)
		}
	}
	flushBlock(&state)
	for i := range state.result {
		state.result[i].ChunkID = i + 1
	}
	return state.result
}

// processGuidelineLine handles a single line, updating the parser state accordingly
func processGuidelineLine(line string, state *guidelineParserState) {
	if m := sectionRe.FindStringSubmatch(line); m != nil {
		flushBlock(state)
		state.section = strings.TrimSpace(line)
		state.recommendation = ""
		state.evidence = ""
		return
	}
	if m := recommendationRe.FindStringSubmatch(line); m != nil {
		flushBlock(state)
		state.recommendation = m[1]
		state.evidence = ""
		appendLine(state, line)
		return
	}
	if m := evidenceRe.FindStringSubmatch(line); m != nil && state.evidence == "" {
		state.evidence = normalizeEvidence(m[1])
		if state.recommendation != "" {
			state.result = updateEvidenceOfPreviousRecords(state.result, state.section, state.recommendation, state.evidence)
		}
	}
	appendLine(state, line)
}

func appendLine(state *guidelineParserState, line string) {
	if state.content.Len() > 0 {
		state.content.WriteString("\n")
	}
	state.content.WriteString(line)
}

// flushBlock saves the accumulated content, if any, under the current tags
func flushBlock(state *guidelineParserState) {
	content := strings.TrimSpace(state.content.String())
	state.content.Reset()
	if content == "" {
		return
	}
	page := state.page
	if page == 0 {
		page = defaultPageNumber
	}
	state.result = append(state.result, models.Chunk{
		Content:        content,
		PageNumber:     page,
		Section:        state.section,
		Recommendation: state.recommendation,
		EvidenceLevel:  state.evidence,
	})
}

// update previous blocks of the same recommendation with evidence if it is empty;
// a recommendation split across pages states its evidence level only once
func updateEvidenceOfPreviousRecords(result []models.Chunk, section, recommendation, evidence string) []models.Chunk {
	for row := range result {
		if result[row].Section == section && result[row].Recommendation == recommendation && result[row].EvidenceLevel == "" {
			result[row].EvidenceLevel = evidence
		}
	}
	return result
}

func normalizeEvidence(level string) string {
	level = strings.TrimSpace(level)
	if len(level) <= 3 {
		return strings.ToUpper(level)
	}
	return strings.ToLower(level)
}
