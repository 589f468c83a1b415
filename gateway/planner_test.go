package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/Peleke/MindMirror-sub002/platform"
)

const composedSDL = `type Query {
  journalEntries(limit: Int = 20): [JournalEntry!]!
  journalEntry(id: ID!): JournalEntry
  me: User
  user(id: ID!): User
  habits: [Habit!]!
}

type Mutation {
  createJournalEntry(input: JournalEntryInput!): JournalEntry!
  logHabit(habitId: ID!): Habit!
  updateDisplayName(name: String!): User!
}

interface Node {
  id: ID!
}

type JournalEntry implements Node {
  id: ID!
  title: String!
  body: String!
  mood: Mood
  createdAt: String!
}

enum Mood {
  GREAT
  GOOD
  NEUTRAL
  LOW
}

input JournalEntryInput {
  title: String!
  body: String!
  mood: Mood = NEUTRAL
}

type User implements Node {
  id: ID!
  email: String! @deprecated(reason: "use contact.email")
  displayName: String
}

type Habit {
  id: ID!
  name: String!
  streak: Int!
}
`

// testArtifact builds a composed supergraph spanning three services.
// Pass URLs to point routing at live stubs.
func testArtifact(urls map[string]string) *platform.Supergraph {
	if urls == nil {
		urls = map[string]string{
			"journal": "http://journal.staging.internal:8000",
			"users":   "http://users.staging.internal:8000",
			"habits":  "http://habits.staging.internal:8000",
		}
	}
	return &platform.Supergraph{
		Environment: platform.EnvStaging,
		SDL:         composedSDL,
		Routing: map[string]string{
			"journalEntries":     "journal",
			"journalEntry":       "journal",
			"createJournalEntry": "journal",
			"me":                 "users",
			"user":               "users",
			"updateDisplayName":  "users",
			"habits":             "habits",
			"logHabit":           "habits",
		},
		ServiceURLs: urls,
		Hash:        "sha-composed-1",
		ReleaseID:   "rel-1",
		ComposedAt:  time.Now().UTC(),
	}
}

func testGraph(t *testing.T, urls map[string]string) *graph {
	t.Helper()
	g, err := newGraph(testArtifact(urls))
	require.NoError(t, err)
	return g
}

func newTestPlanner(t *testing.T) *planner {
	t.Helper()
	p, err := newPlanner(128)
	require.NoError(t, err)
	return p
}

func mustPlan(t *testing.T, p *planner, g *graph, query, opName string) *plan {
	t.Helper()
	pl, errs := p.plan(g, query, opName)
	require.Nil(t, errs, "plan errors: %v", errs)
	return pl
}

func TestPlanSingleServicePassthrough(t *testing.T) {
	p := newTestPlanner(t)
	g := testGraph(t, nil)

	pl := mustPlan(t, p, g, `{ journalEntries(limit: 5) { id } journalEntry(id: "e1") { title } }`, "")
	assert.Equal(t, planSingle, pl.kind)
	assert.Equal(t, "journal", pl.service)
	assert.Empty(t, pl.branches)
	assert.Equal(t, ast.Query, pl.op)

	pl = mustPlan(t, p, g, `mutation { createJournalEntry(input: {title: "a", body: "b"}) { id } }`, "")
	assert.Equal(t, planSingle, pl.kind)
	assert.Equal(t, "journal", pl.service)
	assert.Equal(t, ast.Mutation, pl.op)
}

func TestPlanSingleServiceKeepsTypename(t *testing.T) {
	p := newTestPlanner(t)
	g := testGraph(t, nil)

	// The owning service answers __typename itself, so the request
	// still passes through whole.
	pl := mustPlan(t, p, g, `{ __typename journalEntries { id } }`, "")
	assert.Equal(t, planSingle, pl.kind)
	assert.Equal(t, "journal", pl.service)
}

func TestPlanFanoutSplitsPerService(t *testing.T) {
	p := newTestPlanner(t)
	g := testGraph(t, nil)

	pl := mustPlan(t, p, g, `{ me { displayName } journalEntries { id title } habits { name } }`, "")
	assert.Equal(t, planFanout, pl.kind)
	require.Len(t, pl.branches, 3)

	require.Len(t, pl.order, 3)
	assert.Equal(t, "me", pl.order[0].key)
	assert.Equal(t, "users", pl.order[0].service)
	assert.False(t, pl.order[0].nonNull)
	assert.Equal(t, "journalEntries", pl.order[1].key)
	assert.True(t, pl.order[1].nonNull)
	assert.Equal(t, "habits", pl.order[2].key)

	users := pl.branches[0]
	assert.Equal(t, "users", users.service)
	assert.Equal(t, []string{"me"}, users.keys)
	assert.Contains(t, users.query, "displayName")
	assert.NotContains(t, users.query, "journalEntries")

	journal := pl.branches[1]
	assert.Equal(t, "journal", journal.service)
	assert.Contains(t, journal.query, "journalEntries")
	assert.NotContains(t, journal.query, "displayName")
	assert.NotContains(t, journal.query, "habits")
}

func TestPlanQueryGroupsFieldsPerService(t *testing.T) {
	p := newTestPlanner(t)
	g := testGraph(t, nil)

	pl := mustPlan(t, p, g, `{ journalEntries { id } me { id } user(id: "u1") { id } }`, "")
	assert.Equal(t, planFanout, pl.kind)
	require.Len(t, pl.branches, 2)
	assert.Equal(t, []string{"journalEntries"}, pl.branches[0].keys)
	assert.Equal(t, []string{"me", "user"}, pl.branches[1].keys)
	assert.Equal(t, "users", pl.branches[1].service)
}

func TestPlanMutationSplitsOnOwnershipChange(t *testing.T) {
	p := newTestPlanner(t)
	g := testGraph(t, nil)

	query := `mutation {
  first: createJournalEntry(input: {title: "a", body: "b"}) { id }
  logHabit(habitId: "h1") { streak }
  second: createJournalEntry(input: {title: "c", body: "d"}) { id }
}`
	pl := mustPlan(t, p, g, query, "")
	assert.Equal(t, planFanout, pl.kind)
	assert.Equal(t, ast.Mutation, pl.op)

	// Two journal fields with a habit between them cannot share a
	// branch without reordering the mutation.
	require.Len(t, pl.branches, 3)
	assert.Equal(t, "journal", pl.branches[0].service)
	assert.Equal(t, []string{"first"}, pl.branches[0].keys)
	assert.Equal(t, "habits", pl.branches[1].service)
	assert.Equal(t, "journal", pl.branches[2].service)
	assert.Equal(t, []string{"second"}, pl.branches[2].keys)
}

func TestPlanMutationGroupsAdjacentFields(t *testing.T) {
	p := newTestPlanner(t)
	g := testGraph(t, nil)

	query := `mutation {
  a: createJournalEntry(input: {title: "a", body: "b"}) { id }
  b: createJournalEntry(input: {title: "c", body: "d"}) { id }
  logHabit(habitId: "h1") { streak }
}`
	pl := mustPlan(t, p, g, query, "")
	require.Len(t, pl.branches, 2)
	assert.Equal(t, []string{"a", "b"}, pl.branches[0].keys)
	assert.Equal(t, []string{"logHabit"}, pl.branches[1].keys)
}

func TestPlanPrunesVariablesPerBranch(t *testing.T) {
	p := newTestPlanner(t)
	g := testGraph(t, nil)

	query := `query Load($id: ID!, $limit: Int) {
  entry: journalEntry(id: $id) { title }
  journalEntries(limit: $limit) { id }
  me { displayName }
}`
	pl := mustPlan(t, p, g, query, "")
	require.Len(t, pl.branches, 2)

	journal := pl.branches[0]
	assert.Contains(t, journal.query, "$id")
	assert.Contains(t, journal.query, "$limit")

	users := pl.branches[1]
	assert.Contains(t, users.query, "Load")
	assert.NotContains(t, users.query, "$id")
	assert.NotContains(t, users.query, "$limit")
}

func TestPlanFragmentsFollowTheirBranch(t *testing.T) {
	p := newTestPlanner(t)
	g := testGraph(t, nil)

	query := `query {
  me { ...userBits }
  journalEntries { id }
}

fragment userBits on User {
  id
  ...contactBits
}

fragment contactBits on User {
  email
}`
	pl := mustPlan(t, p, g, query, "")
	require.Len(t, pl.branches, 2)

	users := pl.branches[0]
	assert.Contains(t, users.query, "fragment userBits")
	assert.Contains(t, users.query, "fragment contactBits")

	journal := pl.branches[1]
	assert.NotContains(t, journal.query, "userBits")
	assert.NotContains(t, journal.query, "contactBits")
}

func TestPlanDuplicateKeysFoldIntoOneEntry(t *testing.T) {
	p := newTestPlanner(t)
	g := testGraph(t, nil)

	pl := mustPlan(t, p, g, `{ me { id } me { displayName } journalEntries { id } }`, "")
	require.Len(t, pl.order, 2)
	assert.Equal(t, "me", pl.order[0].key)

	users := pl.branches[0]
	assert.Equal(t, []string{"me"}, users.keys)
	assert.Contains(t, users.query, "id")
	assert.Contains(t, users.query, "displayName")
}

func TestPlanIntrospectionIsLocal(t *testing.T) {
	p := newTestPlanner(t)
	g := testGraph(t, nil)

	pl := mustPlan(t, p, g, `{ __schema { queryType { name } } __typename }`, "")
	assert.Equal(t, planLocal, pl.kind)
	assert.Empty(t, pl.branches)
	require.Len(t, pl.order, 2)
	assert.Contains(t, pl.locals, "__schema")
	assert.Contains(t, pl.locals, "__typename")

	pl = mustPlan(t, p, g, `{ __typename }`, "")
	assert.Equal(t, planLocal, pl.kind)
}

func TestPlanRejectsIntrospectionMixedWithServiceFields(t *testing.T) {
	p := newTestPlanner(t)
	g := testGraph(t, nil)

	_, errs := p.plan(g, `{ __schema { queryType { name } } me { id } }`, "")
	require.NotNil(t, errs)
	assert.Contains(t, errs[0].Message, "introspection")
}

func TestPlanRejectsTopLevelFragments(t *testing.T) {
	p := newTestPlanner(t)
	g := testGraph(t, nil)

	query := `query { ...top }

fragment top on Query {
  me { id }
}`
	_, errs := p.plan(g, query, "")
	require.NotNil(t, errs)
	assert.Contains(t, errs[0].Message, "top-level selections must be named fields")

	_, errs = p.plan(g, `{ ... on Query { me { id } } }`, "")
	require.NotNil(t, errs)
	assert.Contains(t, errs[0].Message, "top-level selections must be named fields")
}

func TestPlanRejectsSubscriptions(t *testing.T) {
	p := newTestPlanner(t)

	artifact := testArtifact(nil)
	artifact.SDL = composedSDL + `
type Subscription {
  journalUpdated: JournalEntry!
}
`
	g, err := newGraph(artifact)
	require.NoError(t, err)

	_, errs := p.plan(g, `subscription { journalUpdated { id } }`, "")
	require.NotNil(t, errs)
	assert.Contains(t, errs[0].Message, "subscriptions are not supported")
}

func TestPlanValidatesAgainstSchema(t *testing.T) {
	p := newTestPlanner(t)
	g := testGraph(t, nil)

	_, errs := p.plan(g, `{ nope }`, "")
	require.NotNil(t, errs)
	assert.Contains(t, errs[0].Message, "Cannot query field")
}

func TestPlanUnroutedFieldFails(t *testing.T) {
	p := newTestPlanner(t)

	artifact := testArtifact(nil)
	delete(artifact.Routing, "habits")
	g, err := newGraph(artifact)
	require.NoError(t, err)

	_, errs := p.plan(g, `{ habits { id } }`, "")
	require.NotNil(t, errs)
	assert.Contains(t, errs[0].Message, `no service owns field "habits"`)
}

func TestPlanOperationSelection(t *testing.T) {
	p := newTestPlanner(t)
	g := testGraph(t, nil)

	query := `query A { me { id } }

query B { journalEntries { id } }`

	_, errs := p.plan(g, query, "")
	require.NotNil(t, errs)
	assert.Contains(t, errs[0].Message, "operationName is required")

	_, errs = p.plan(g, query, "C")
	require.NotNil(t, errs)
	assert.Contains(t, errs[0].Message, `operation "C" is not defined`)

	pl := mustPlan(t, p, g, query, "B")
	assert.Equal(t, planSingle, pl.kind)
	assert.Equal(t, "journal", pl.service)
	assert.Equal(t, "B", pl.opName)
}

func TestPlanCacheReusesByArtifactHash(t *testing.T) {
	p := newTestPlanner(t)
	g := testGraph(t, nil)

	first := mustPlan(t, p, g, `{ me { id } }`, "")
	second := mustPlan(t, p, g, `{ me { id } }`, "")
	assert.Same(t, first, second)

	// Same query against a different artifact must re-plan.
	artifact := testArtifact(nil)
	artifact.Hash = "sha-composed-2"
	g2, err := newGraph(artifact)
	require.NoError(t, err)

	third := mustPlan(t, p, g2, `{ me { id } }`, "")
	assert.NotSame(t, first, third)
}

func TestPlanCacheDisabled(t *testing.T) {
	p, err := newPlanner(0)
	require.NoError(t, err)
	g := testGraph(t, nil)

	first := mustPlan(t, p, g, `{ me { id } }`, "")
	second := mustPlan(t, p, g, `{ me { id } }`, "")
	assert.NotSame(t, first, second)
}
