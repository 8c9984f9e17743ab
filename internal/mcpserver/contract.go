package mcpserver

// ContractURI is the resource URI of the note format contract.
const ContractURI = "notesync://note-format"

// NoteFormatContract describes the Markdown note format that LLM consumers
// should follow when creating or updating notes.
const NoteFormatContract = `# Notesync Note Format Contract

Notes are plain Markdown. They are synced to the account server as-is, so
keep them readable in any Markdown viewer.

## Structure

` + "```" + `markdown
# Human-readable title

Body text in standard Markdown. #tag #area/sub-area

Use [[Other note title]] to reference other notes.
Use [[Other note title|alias]] for display text that differs from the target.
` + "```" + `

## Rules

1. **The first line is the title.** Start the note with a level-one heading.
   It is the display name in search, listings and the link graph.
2. **Tags** are written inline as ` + "`" + `#tag` + "`" + `. Nested tags use slashes:
   ` + "`" + `#project/alpha` + "`" + `. Tags cannot contain spaces. Tags inside code
   fences are ignored.
3. **Wikilinks** use double brackets and target the *title* of another note,
   not a file name: ` + "`" + `[[Weekly review]]` + "`" + `.
4. **Notes are addressed by guid.** ` + "`" + `create_note` + "`" + ` returns it; pass it to
   ` + "`" + `read_note` + "`" + ` and ` + "`" + `update_note` + "`" + `.
5. **Updates replace the whole body.** Read the note first and pass its
   ` + "`" + `checksum` + "`" + ` to ` + "`" + `update_note` + "`" + ` so concurrent edits are not lost.
6. **Encoding** is UTF-8. Prefer Markdown over raw HTML.

## Images

- Attach images with the ` + "`" + `upload_asset` + "`" + ` tool. It returns a Markdown image
  ready to paste into the note body.
- Images live next to the note and are referenced relatively:
  ` + "`" + `![diagram](index_files/diagram.png)` + "`" + `.
- External ` + "`" + `http(s)://` + "`" + ` and ` + "`" + `data:` + "`" + ` images in a saved note are imported
  automatically and rewritten to ` + "`" + `index_files/` + "`" + ` references.
- Supported formats: png, jpg, jpeg, gif, webp, svg, pdf (max 10 MB).

## Example

` + "```" + `markdown
# Weekly standup 2025-01-20

Attendees: Alice, Bob. #meeting-notes #project/x

![Whiteboard photo](index_files/standup.jpg)

## Action items

- Alice to review the [[Design doc]]
- Bob to update [[Roadmap|the roadmap]]
` + "```" + `
`
