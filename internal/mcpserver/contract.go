package mcpserver

// EntryFormatContract describes how entries look on disk and which write
// calls produce them. Served as a tool result and as a resource.
const EntryFormatContract = `# GhostKB Entry Format

The vault is a directory of Markdown files. Every file under a scope root is
one entry; the index is rebuilt from the files at any time.

## Scopes

| Scope            | Directory                              | Visible to |
|------------------|----------------------------------------|------------|
| shared_note      | shared/notes/...                       | everyone   |
| shared_reference | shared/reference/<topic>/...           | everyone   |
| ghost_note       | ghosts/<ghost>/notes/...               | owner only |
| ghost_reference  | ghosts/<ghost>/reference/<topic>/...   | owner only |
| ghost_diary      | ghosts/<ghost>/diary/YYYY-MM-DD.md     | owner only |

Files under inbox/ are a staging area and are never indexed.

## Notes

` + "```" + `markdown
---
id: 6f1c9e2a-...               # REQUIRED, stable across renames
title: Retry budget             # REQUIRED, link target for [[Retry budget]]
created_at: 2026-05-10T09:30:00Z   # REQUIRED
updated_at: 2026-05-11T08:00:00Z
trust_score: 5                  # REQUIRED, 0..10
created_by:
  ghost: atlas
  model: some-model
tags: [infra/http, reliability] # first tag picks the folder
archetype: decision             # optional, see below
parent: <id of parent entry>    # optional
version: 3
source:
  - https://example.com/post
---

Body in Markdown. Link with [[Title]] or [[Title|alias]].
` + "```" + `

Archetypes: person, concept, decision, event, place, project, organization,
procedure, media, quote. Unknown values in a file are ignored and logged as a
warning; the write tool rejects them.

## Diaries

Diary files have no front matter. The date in the file name is the identity;
writing to the same day appends to the file. Pass diary_mode: replace to
overwrite the day with the new body instead.

## Reference topics

A topic is a directory with a _topic.md descriptor and member files:

` + "```" + `markdown
---
id: 2b7d...
title: HTTP client docs
created_at: 2026-05-10T09:30:00Z
trust_score: 5
created_by: {ghost: atlas}
max_age_days: 30
fetched_at: 2026-05-10T09:30:00Z
sources:
  - {type: web, url: https://example.com/docs, role: primary}
files:
  - name: guide.md
    source_url: https://example.com/docs/guide
    fetched_at: 2026-05-10T09:30:00Z
    status: fetched
---
Optional overview in Markdown.
` + "```" + `

Members are stored as fetched (.md, .txt or source code). Address them as
<topic>/<file>, for example http/guide.md.

## Rules

1. Never edit id, created_at or created_by.
2. Shared entries must not link into ghost scopes; such writes are rejected.
3. Pass expected_version (or if_match with the content hash) on update,
   comment and delete. A mismatch returns the current content instead of
   overwriting it.
4. Links to titles that do not exist yet are allowed and resolve later.
5. Use reference_write for topic members, write for everything else.
`
