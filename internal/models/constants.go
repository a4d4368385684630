package models

const (
	// DocIDKey is the node metadata key holding the owning document id.
	DocIDKey = "db_document_id"

	ClinicalGuidelineKey = "clinical_guideline"

	SectionKey        = "section"
	PageKey           = "page"
	RecommendationKey = "recommendation"
	EvidenceLevelKey  = "evidence_level"
	FileNameKey       = "file_name"
	TitleKey          = "title"
	OrganizationKey   = "issuing_organization"
	SpecialtyKey      = "specialty"
	GradingSystemKey  = "evidence_grading_system"
)

const (
	SectionRegex        = `^(?:\d+(?:\.\d+){0,3}\.?|[IVX]+\.|Section\s+\d+[:.]?|Chapter\s+\d+[:.]?)\s+([A-Z][^.!?]{2,120})$`
	RecommendationRegex = `(?i)^(?:recommendation|rec\.)\s*(\d+(?:\.\d+)*)\s*[:.)-]?\s*(.*)$`
	EvidenceRegex       = `(?i)(?:level of evidence|quality of evidence|evidence level|grade)\s*[:=]?\s*\(?([A-D]|[1-4][a-c+-]?|high|moderate|low|very low)\)?`
	ReferencesRegex     = `(?i)^(references|bibliography)\s*$`
	ContextSeparator    = "\n---\n"
	ThinkTag            = `(?s)<think>.*?</think>`
	CodeFenceRegex      = "(?s)^\\s*```(?:json)?\\s*(.*?)\\s*```\\s*$"
)

const (
	NoDocumentsSelected   = "No clinical guidelines selected."
	GenericDescription    = "A document containing useful information that the user pre-selected to discuss with the assistant."
	DateNotSpecified      = "date not specified"
	CouldNotAnswer        = "I could not find an answer to this question in the selected clinical guidelines."
	SubAnswerUnavailable  = "This part of the question could not be answered because the guideline lookup failed."
	UnableToComplete      = "I was unable to complete this answer in time."
	ToolBudgetExhausted   = "Tool call budget for this turn is exhausted. Answer using the information already gathered."
	TopLevelToolName      = "clinical_guidelines"
	TopLevelToolParameter = "input"
)

var (
	ContextPromptTemplate = `<document>
%s
</document>
Here is the chunk we want to situate within the whole document
<chunk>
%s
</chunk>
Please give a short succinct context to situate this chunk within the overall document for the purposes of improving search retrieval of the chunk. Answer only with the succinct context and nothing else.
`

	TopLevelToolDescription = `A query engine specialized for analyzing clinical practice guidelines. Use this for:
- Understanding clinical recommendations and their evidence levels
- Finding specific treatment protocols and procedures
- Identifying patient care guidelines and best practices
- Analyzing clinical outcomes and quality measures`

	// ClinicalSystemTemplate takes the document title list and the current date.
	ClinicalSystemTemplate = `You are an expert clinical decision support assistant. You answer questions from clinicians using only the clinical practice guidelines they selected for this conversation.

Selected guidelines:
%s

Today's date is %s. Use it when judging whether a recommendation may be outdated, and always mention the publication year of the guideline you cite.

Rules:
- Use the %s tool to look up recommendations before answering any clinical question.
- Quote the recommendation strength and level of evidence when the guideline provides them.
- Name the guideline (title and issuing organization) for every recommendation you cite.
- If the guidelines do not cover the question, say so plainly instead of guessing.
- Never give patient-specific orders; frame answers as guideline recommendations.`

	// DecomposePromptTemplate takes the tools JSON and the user question.
	DecomposePromptTemplate = `Given a user question and a list of tools, output a list of relevant sub-questions, each paired with the single tool best suited to answer it.
Every sub-question must be answerable by exactly one tool. Use only tool names from the list.

Tools:
%s

User question: %s

Respond with JSON only, in this shape:
{"items": [{"sub_question": "...", "tool_name": "..."}]}`

	// QAPromptTemplate takes the citation style, the context chunks and the query.
	QAPromptTemplate = `%s

Context information is below.
---------------------
%s
---------------------
Given the context information and not prior knowledge, answer the query.
Query: %s
Answer: `

	// RefinePromptTemplate takes the query, the existing answer, the citation style and a new chunk.
	RefinePromptTemplate = `The original query is as follows: %s
We have provided an existing answer: %s
%s
We have the opportunity to refine the existing answer (only if needed) with some more context below.
------------
%s
------------
Given the new context, refine the original answer to better answer the query. If the context isn't useful, return the original answer.
Refined Answer: `

	GenericCitationStyle  = "Answer concisely and point to the passage of the document that supports the answer."
	ClinicalCitationStyle = "You are answering from the clinical guideline '%s' issued by %s. Cite the section and, where given, the recommendation number, strength and level of evidence (%s grading)."
)
