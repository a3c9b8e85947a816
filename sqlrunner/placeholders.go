package sqlrunner

// countPlaceholders counts the ? placeholders in a SQL text, skipping
// string literals, quoted identifiers, line comments and block comments. A
// literal "what?" in the query must not demand a parameter.
func countPlaceholders(query string) int {
	count := 0
	for i := 0; i < len(query); i++ {
		switch c := query[i]; c {
		case '?':
			count++
		case '\'', '"', '`':
			i = skipQuoted(query, i, c)
		case '-':
			if i+1 < len(query) && query[i+1] == '-' {
				i = skipLineComment(query, i+2)
			}
		case '/':
			if i+1 < len(query) && query[i+1] == '*' {
				i = skipBlockComment(query, i+2)
			}
		}
	}
	return count
}

// skipQuoted returns the index of the closing quote. A doubled quote
// inside the region is the SQL escape ('it''s'), not a terminator.
func skipQuoted(query string, start int, quote byte) int {
	for i := start + 1; i < len(query); i++ {
		if query[i] != quote {
			continue
		}
		if i+1 < len(query) && query[i+1] == quote {
			i++
			continue
		}
		return i
	}
	// Unterminated literal: nothing after it can be a placeholder.
	return len(query) - 1
}

func skipLineComment(query string, start int) int {
	for i := start; i < len(query); i++ {
		if query[i] == '\n' {
			return i
		}
	}
	return len(query) - 1
}

func skipBlockComment(query string, start int) int {
	for i := start; i+1 < len(query); i++ {
		if query[i] == '*' && query[i+1] == '/' {
			return i + 1
		}
	}
	return len(query) - 1
}
