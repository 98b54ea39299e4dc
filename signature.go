package dbus

// Signature is an ASCII description of a sequence of D-Bus types, as
// defined in spec.md §3. The zero value is the empty signature.
type Signature string

// MaxSignatureLength is the wire limit on an encoded signature.
const MaxSignatureLength = 255

// MaxContainerDepth is the nesting limit for container types
// (arrays/structs/dict-entries/variants), counted independently of
// basic-type runs.
const MaxContainerDepth = 32

// MaxTotalDepth is the overall nesting limit across all type kinds.
const MaxTotalDepth = 64

// basicTypeCodes are the type codes valid as a dict-entry's key.
var basicTypeCodes = map[byte]bool{
	'y': true, 'b': true, 'n': true, 'q': true, 'i': true, 'u': true,
	'x': true, 't': true, 'd': true, 's': true, 'o': true, 'g': true,
}

// fixedSize reports the fixed wire size of a basic type code, or 0 if
// the type is variable-length (strings, signatures, containers).
var fixedSize = map[byte]int{
	'y': 1, 'b': 4, 'n': 2, 'q': 2, 'i': 4, 'u': 4,
	'x': 8, 't': 8, 'd': 8,
}

// alignment is the natural alignment, in bytes, of each basic type
// code plus the fixed container markers.
var alignmentOf = map[byte]int{
	'y': 1, 'b': 4, 'n': 2, 'q': 2, 'i': 4, 'u': 4,
	'x': 8, 't': 8, 'd': 8, 's': 4, 'o': 4, 'g': 1,
	'a': 4, '(': 8, ')': 8, '{': 8, '}': 8, 'v': 1,
}

// Alignment returns the natural alignment of a single type code.
func Alignment(code byte) int {
	if n, ok := alignmentOf[code]; ok {
		return n
	}
	return 1
}

// IsFixedSize reports whether a basic type code has a fixed wire size.
func IsFixedSize(code byte) bool {
	_, ok := fixedSize[code]
	return ok
}

// Token is one complete type tree extracted from a Signature by
// Iterate: a basic type code, or a container with its children
// recorded as nested Tokens.
type Token struct {
	Code     byte
	Elem     *Token   // array element, for Code == 'a'
	Fields   []Token  // struct/dict-entry fields, for Code == '(' or '{'
}

// Validate checks that sig is a non-empty, well-formed sequence of
// complete type trees: balanced parens/braces, dict-entries only as
// the sole content of an array with exactly two children (key a basic
// type), variants carrying no inner signature, nesting within the
// documented depth limits, and a total length within 255 bytes.
//
// On success it returns the ok flag true; on failure it returns the
// byte offset of the first malformed token.
func (sig Signature) Validate() (ok bool, pos int) {
	if len(sig) == 0 {
		return false, 0
	}
	if len(sig) > MaxSignatureLength {
		return false, MaxSignatureLength
	}
	i := 0
	for i < len(sig) {
		n, err := validateOne(sig, i, 0, 0)
		if err != 0 || n == i {
			// A failure at offset 0 comes back with err 0; the cursor
			// not advancing still marks it as a failure.
			return false, err
		}
		i = n
	}
	return true, 0
}

// validateOne validates a single complete type tree starting at i,
// returning the index just past it. containerDepth and totalDepth
// track the two independent nesting limits from §4.2; a non-zero
// return for "err" is itself the failing position, to keep the
// signature of this helper simple.
func validateOne(sig Signature, i, containerDepth, totalDepth int) (next int, err int) {
	if i >= len(sig) {
		return i, i + 1
	}
	if totalDepth > MaxTotalDepth {
		return i, i
	}
	c := sig[i]
	switch c {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g':
		return i + 1, 0
	case 'v':
		return i + 1, 0
	case 'a':
		if containerDepth+1 > MaxContainerDepth {
			return i, i
		}
		if i+1 >= len(sig) {
			return i, i
		}
		if sig[i+1] == '{' {
			end, e := validateDictEntry(sig, i+1, containerDepth+1, totalDepth+1)
			if e != 0 {
				return i, e
			}
			return end, 0
		}
		end, e := validateOne(sig, i+1, containerDepth+1, totalDepth+1)
		if e != 0 {
			return i, e
		}
		return end, 0
	case '(':
		if containerDepth+1 > MaxContainerDepth {
			return i, i
		}
		j := i + 1
		fields := 0
		for j < len(sig) && sig[j] != ')' {
			n, e := validateOne(sig, j, containerDepth+1, totalDepth+1)
			if e != 0 {
				return i, e
			}
			j = n
			fields++
		}
		if j >= len(sig) || sig[j] != ')' {
			return i, j
		}
		if fields == 0 {
			return i, i
		}
		return j + 1, 0
	default:
		return i, i
	}
}

// validateDictEntry validates "{kv}" at i (sig[i] == '{'), enforcing
// exactly two children with the first a basic type, per §4.2.
func validateDictEntry(sig Signature, i, containerDepth, totalDepth int) (next int, err int) {
	if sig[i] != '{' {
		return i, i
	}
	j := i + 1
	if j >= len(sig) || !basicTypeCodes[sig[j]] {
		return i, i
	}
	keyEnd, e := validateOne(sig, j, containerDepth, totalDepth+1)
	if e != 0 {
		return i, e
	}
	if keyEnd >= len(sig) {
		return i, keyEnd
	}
	valEnd, e := validateOne(sig, keyEnd, containerDepth, totalDepth+1)
	if e != 0 {
		return i, e
	}
	if valEnd >= len(sig) || sig[valEnd] != '}' {
		return i, valEnd
	}
	return valEnd + 1, 0
}

// Iterate parses sig into a sequence of complete type-Tokens. It runs
// Validate first and returns an error if sig is malformed.
func (sig Signature) Iterate() ([]Token, error) {
	if ok, pos := sig.Validate(); !ok {
		return nil, wrapf(errInvalidTypeCode, "invalid signature %q at byte %d", string(sig), pos)
	}
	var toks []Token
	i := 0
	for i < len(sig) {
		tok, n := parseToken(sig, i)
		toks = append(toks, tok)
		i = n
	}
	return toks, nil
}

func parseToken(sig Signature, i int) (Token, int) {
	c := sig[i]
	switch c {
	case 'a':
		if sig[i+1] == '{' {
			keyTok, n := parseToken(sig, i+2)
			valTok, n2 := parseToken(sig, n)
			// n2 points just past the value; the closing '}' follows.
			return Token{Code: 'a', Elem: &Token{Code: '{', Fields: []Token{keyTok, valTok}}}, n2 + 1
		}
		elem, n := parseToken(sig, i+1)
		return Token{Code: 'a', Elem: &elem}, n
	case '(':
		j := i + 1
		var fields []Token
		for sig[j] != ')' {
			f, n := parseToken(sig, j)
			fields = append(fields, f)
			j = n
		}
		return Token{Code: '(', Fields: fields}, j + 1
	default:
		return Token{Code: c}, i + 1
	}
}

// ElementAlignment returns the alignment of an array's element type
// given the array's full signature (starting with 'a').
func ElementAlignment(arraySig Signature) int {
	if len(arraySig) < 2 || arraySig[0] != 'a' {
		return 1
	}
	return Alignment(arraySig[1])
}

// String returns sig as a plain string.
func (sig Signature) String() string { return string(sig) }
