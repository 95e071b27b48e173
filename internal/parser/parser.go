// Package parser reads markdown flashcard files: blocks of "Q:", "A:" and
// optional "C:" lines separated by blank space or "---".
package parser

import (
	"bufio"
	"io"
	"os"
	"strings"
)

const (
	questionPrefix = "Q:"
	answerPrefix   = "A:"
	contextPrefix  = "C:"
)

// Entry is one question with its answer and optional context.
type Entry struct {
	Question string
	Answer   string
	Context  string
	// Line is the 1-based line of the question.
	Line int
}

// Parts returns the entry content in hashing order.
func (e Entry) Parts() []string {
	return []string{e.Question, e.Answer, e.Context}
}

type state int

const (
	seeking state = iota
	readingQuestion
	readingAnswer
	readingContext
)

// ParseFile reads a file from the given path and extracts all entries.
func ParseFile(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads from an io.Reader and extracts all entries.
func Parse(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	var entries []Entry
	var current Entry
	var block []string
	currentState := seeking

	flushBlock := func() {
		if len(block) == 0 {
			return
		}
		content := strings.TrimRight(strings.Join(block, "\n"), "\n")
		switch currentState {
		case readingQuestion:
			current.Question = content
		case readingAnswer:
			current.Answer = content
		case readingContext:
			current.Context = content
		}
		block = nil
	}
	finishEntry := func() {
		flushBlock()
		if current.Question != "" {
			entries = append(entries, current)
		}
		current = Entry{}
		currentState = seeking
	}
	lineContent := func(line, prefix string) string {
		return strings.TrimPrefix(line[len(prefix):], " ")
	}

	lineNo := 0
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		lineNo++

		switch {
		case line == "---":
			finishEntry()
		case strings.HasPrefix(line, questionPrefix):
			if currentState != seeking {
				finishEntry()
			}
			currentState = readingQuestion
			current.Line = lineNo
			block = append(block, lineContent(line, questionPrefix))
		case strings.HasPrefix(line, answerPrefix):
			flushBlock()
			currentState = readingAnswer
			block = append(block, lineContent(line, answerPrefix))
		case strings.HasPrefix(line, contextPrefix):
			flushBlock()
			currentState = readingContext
			block = append(block, lineContent(line, contextPrefix))
		case currentState != seeking:
			block = append(block, line)
		}
	}

	finishEntry()

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}
