package mcpserver

// PageFormatContract describes how page bodies and titles are interpreted by
// the local store and the sync server.
const PageFormatContract = `# Sowilo Page Format

Pages live in the local store first and reach the server on the next sync
cycle. A page created here has a temporary id (` + "`temp-...`" + `) until the
server acknowledges it; after that the id is permanent.

## Titles

1. Titles are unique among active pages, compared trimmed and
   case-insensitively: "Note" and " note " are the same title.
2. Deleted pages do not hold their title.
3. The server may rename a new page to "<title> N" when the title is already
   used by another device's page. The local copy follows that rename.
4. Titles that are dates (` + "`2006-01-02`" + ` or ` + "`January 2, 2006`" + `) mark daily pages.

## Content types

| content_type | body |
|---|---|
| ` + "`markdown`" + ` | Markdown, optional YAML frontmatter, ` + "`[[wikilinks]]`" + ` |
| ` + "`text`" + ` | plain text |
| ` + "`json`" + ` | rich document tree; every ` + "`text`" + ` field is searchable |
| ` + "`canvas`" + ` | canvas document in the same JSON shape |

## References

Embed another page by its id. When a temporary id is replaced by the server
id, every embedded reference to it is rewritten and the referring page is
pushed again.

## Images

Use the ` + "`attach_image`" + ` tool. Images are stored by content hash and
listed in the page's ` + "`image_previews`" + `.
`
