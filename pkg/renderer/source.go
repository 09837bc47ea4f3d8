package renderer

import "strings"

// lilypondIncludes is the fixed list of engraver-bundled include names the
// upstream include-extraction regex mishandles. Rewriting
// `\include "NAME"` to use two spaces defeats the regex without touching
// engraver semantics.
var lilypondIncludes = []string{
	"Welcome-to-LilyPond-MacOS.ly",
	"Welcome_to_LilyPond.ly",
	"arabic.ly",
	"articulate.ly",
	"bagpipe.ly",
	"base-tkit.ly",
	"catalan.ly",
	"chord-modifiers-init.ly",
	"chord-repetition-init.ly",
	"context-mods-init.ly",
	"declarations-init.ly",
	"deutsch.ly",
	"drumpitch-init.ly",
	"dynamic-scripts-init.ly",
	"english.ly",
	"engraver-init.ly",
	"espanol.ly",
	"event-listener.ly",
	"festival.ly",
	"generate-documentation.ly",
	"generate-interface-doc-init.ly",
	"grace-init.ly",
	"graphviz-init.ly",
	"gregorian.ly",
	"guile-debugger.ly",
	"hel-arabic.ly",
	"init.ly",
	"italiano.ly",
	"lilypond-book-preamble.ly",
	"lyrics-tkit.ly",
	"makam.ly",
	"midi-init.ly",
	"music-functions-init.ly",
	"nederlands.ly",
	"norsk.ly",
	"paper-defaults-init.ly",
	"performer-init.ly",
	"piano-tkit.ly",
	"portugues.ly",
	"predefined-fretboards-init.ly",
	"predefined-guitar-fretboards.ly",
	"predefined-guitar-ninth-fretboards.ly",
	"predefined-mandolin-fretboards.ly",
	"predefined-ukulele-fretboards.ly",
	"property-init.ly",
	"satb.ly",
	"scale-definitions-init.ly",
	"scheme-sandbox.ly",
	"script-init.ly",
	"spanners-init.ly",
	"ssaattbb.ly",
	"staff-tkit.ly",
	"string-tunings-init.ly",
	"suomi.ly",
	"svenska.ly",
	"text-replacements.ly",
	"titling-init.ly",
	"toc-init.ly",
	"vlaams.ly",
	"vocal-tkit.ly",
	"voice-tkit.ly",
}

// PreprocessSource applies the backend-specific directive prefix and the
// include-rewrite hack, returning the source text
// that should be sent to the child's stdin.
func PreprocessSource(backend, source string) string {
	var b strings.Builder
	switch backend {
	case "svg":
		b.WriteString("#(ly:set-option 'backend 'svg)\n")
	case "musicxml2ly":
		// passed unmodified
	default:
		b.WriteString("\n")
	}
	b.WriteString(source)
	return rewriteIncludes(b.String())
}

// rewriteIncludes doubles the space after \include for each known include
// name, defeating an upstream extraction regex that expects a single space.
func rewriteIncludes(source string) string {
	for _, name := range lilypondIncludes {
		orig := `\include "` + name + `"`
		replacement := `\include  "` + name + `"`
		source = strings.ReplaceAll(source, orig, replacement)
	}
	return source
}
