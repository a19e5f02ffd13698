package models

const (
	ContextSeparator = "\n---\n"
	ThinkTag         = `(?s)<think>.*?</think>`

	EmptyAnswer = "The LLM generated an empty response."
)

var (
	SystemPromptTemplate = `You are a question answering assistant for a private document collection.
Answer the user's question using only the information in the context snippets below.
If the snippets do not contain enough information to answer, say that you cannot answer from the provided documents.
Do not use outside knowledge.`

	UserPromptTemplate = `Context:
%s

Question: %s`
)
