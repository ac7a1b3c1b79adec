// Package dynamo implements graphstore.Store on top of a single DynamoDB
// table using the adjacency-list pattern: every node and edge is a row
// keyed by PK/SK, following the same physical modelling
// brain2-backend/internal/repository/ddb uses for its node/keyword/edge
// items. Memories, entities, tags, and their MENTIONS/TAGGED/relationship
// edges are all rows in one table; a GSI keyed by agent lists memory
// metadata rows for the whole-store sleep-cycle passes.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brain2-memory/internal/engerrors"
	"brain2-memory/internal/graphstore"
	"brain2-memory/internal/memory"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// Store is a DynamoDB-backed graphstore.Store.
type Store struct {
	client    *dynamodb.Client
	tableName string
	indexName string // GSI1: GSI1PK=AGENT#<agentID>, GSI1SK=MEMORY#<createdAt>#<id>
}

// NewStore creates a Store against the given table and agent-index GSI.
func NewStore(client *dynamodb.Client, tableName, indexName string) *Store {
	return &Store{client: client, tableName: tableName, indexName: indexName}
}

// ddbMemory mirrors ddb.ddbNode: the metadata row for a Memory.
type ddbMemory struct {
	PK                string    `dynamodbav:"PK"`
	SK                string    `dynamodbav:"SK"`
	GSI1PK            string    `dynamodbav:"GSI1PK"`
	GSI1SK            string    `dynamodbav:"GSI1SK"`
	ID                string    `dynamodbav:"ID"`
	Text              string    `dynamodbav:"Text"`
	Embedding         []float32 `dynamodbav:"Embedding"`
	Category          string    `dynamodbav:"Category"`
	Importance        float64   `dynamodbav:"Importance"`
	RetrievalCount    int       `dynamodbav:"RetrievalCount"`
	LastAccessedAt    string    `dynamodbav:"LastAccessedAt"`
	CreatedAt         string    `dynamodbav:"CreatedAt"`
	ExtractionStatus  string    `dynamodbav:"ExtractionStatus"`
	ExtractionRetries int       `dynamodbav:"ExtractionRetries"`
	UserPinned        bool      `dynamodbav:"UserPinned"`
	Invalidated       bool      `dynamodbav:"Invalidated"`
	AgentID           string    `dynamodbav:"AgentID"`
}

func memoryPK(id string) string { return fmt.Sprintf("MEMORY#%s", id) }

const metadataSK = "METADATA"

func toDDBMemory(m memory.Memory) ddbMemory {
	return ddbMemory{
		PK: memoryPK(m.ID), SK: metadataSK,
		GSI1PK: fmt.Sprintf("AGENT#%s", m.AgentID),
		GSI1SK: fmt.Sprintf("MEMORY#%s#%s", m.CreatedAt.Format(time.RFC3339Nano), m.ID),
		ID:     m.ID, Text: m.Text, Embedding: m.Embedding,
		Category: string(m.Category), Importance: m.Importance,
		RetrievalCount: m.RetrievalCount,
		LastAccessedAt: m.LastAccessedAt.Format(time.RFC3339Nano),
		CreatedAt:      m.CreatedAt.Format(time.RFC3339Nano),
		ExtractionStatus:  string(m.ExtractionStatus),
		ExtractionRetries: m.ExtractionRetries,
		UserPinned:        m.UserPinned, Invalidated: m.Invalidated, AgentID: m.AgentID,
	}
}

func fromDDBMemory(d ddbMemory) memory.Memory {
	createdAt, _ := time.Parse(time.RFC3339Nano, d.CreatedAt)
	lastAccessed, _ := time.Parse(time.RFC3339Nano, d.LastAccessedAt)
	return memory.Memory{
		ID: d.ID, Text: d.Text, Embedding: d.Embedding,
		Category: memory.Category(d.Category), Importance: d.Importance,
		RetrievalCount: d.RetrievalCount, LastAccessedAt: lastAccessed, CreatedAt: createdAt,
		ExtractionStatus:  memory.ExtractionStatus(d.ExtractionStatus),
		ExtractionRetries: d.ExtractionRetries,
		UserPinned:        d.UserPinned, Invalidated: d.Invalidated, AgentID: d.AgentID,
	}
}

func (s *Store) InsertMemory(ctx context.Context, text string, embedding []float32, opts graphstore.InsertOptions) (string, error) {
	m := memory.NewMemory(text, embedding, opts.AgentID)
	m.UserPinned = opts.UserPinned

	item, err := attributevalue.MarshalMap(toDDBMemory(m))
	if err != nil {
		return "", engerrors.NewPermanent("failed to marshal memory item", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.tableName), Item: item})
	if err != nil {
		return "", engerrors.NewTransient("failed to insert memory", err)
	}
	return m.ID, nil
}

func (s *Store) UpdateExtractionStatus(ctx context.Context, id string, status memory.ExtractionStatus, incrementRetries bool) error {
	update := expression.Set(expression.Name("ExtractionStatus"), expression.Value(string(status)))
	if incrementRetries {
		update = update.Add(expression.Name("ExtractionRetries"), expression.Value(1))
	}
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return engerrors.NewPermanent("failed to build update expression", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       memoryKey(id),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return engerrors.NewTransient("failed to update extraction status", err)
	}
	return nil
}

func memoryKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: memoryPK(id)},
		"SK": &types.AttributeValueMemberS{Value: metadataSK},
	}
}

// BatchEntityOperations MERGEs entities by (name, type) via a lookup row
// (PK=ENTITY#LOOKUP#<type>#<name>) that is created idempotently with
// attribute_not_exists, mirroring the get-or-create pattern the teacher's
// keyword GSI rows establish for (name) uniqueness. The edge, relationship,
// and memory-status writes land in a single TransactWriteItems call; the
// entity and tag lookup and metadata rows are written beforehand by
// individual PutItem calls and are not part of that transaction.
func (s *Store) BatchEntityOperations(ctx context.Context, memoryID string, entities []memory.Entity, relationships []memory.EntityRelationship, tags []memory.Tag, category *memory.Category) error {
	nameToID := make(map[string]string, len(entities))
	var items []types.TransactWriteItem

	for _, e := range entities {
		entityID, err := s.getOrCreateEntityID(ctx, e)
		if err != nil {
			return err
		}
		nameToID[e.Name] = entityID

		mentionItem, err := attributevalue.MarshalMap(struct {
			PK, SK string
		}{PK: memoryPK(memoryID), SK: fmt.Sprintf("MENTIONS#%s", entityID)})
		if err != nil {
			return engerrors.NewPermanent("failed to marshal mention edge", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{TableName: aws.String(s.tableName), Item: mentionItem}})

		reverseItem, err := attributevalue.MarshalMap(struct {
			PK, SK string
		}{PK: entityPK(entityID), SK: fmt.Sprintf("MENTIONEDBY#%s", memoryID)})
		if err != nil {
			return engerrors.NewPermanent("failed to marshal reverse mention edge", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{TableName: aws.String(s.tableName), Item: reverseItem}})
	}

	for _, r := range relationships {
		srcID, srcOK := nameToID[r.SourceName]
		tgtID, tgtOK := nameToID[r.TargetName]
		if !srcOK || !tgtOK {
			continue
		}
		relItem, err := attributevalue.MarshalMap(struct {
			PK, SK     string
			Confidence float64
		}{PK: entityPK(srcID), SK: fmt.Sprintf("REL#%s#%s", r.Type, tgtID), Confidence: r.Confidence})
		if err != nil {
			return engerrors.NewPermanent("failed to marshal relationship edge", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{TableName: aws.String(s.tableName), Item: relItem}})
	}

	for _, t := range tags {
		tagID, err := s.getOrCreateTagID(ctx, t)
		if err != nil {
			return err
		}
		taggedItem, err := attributevalue.MarshalMap(struct {
			PK, SK string
		}{PK: memoryPK(memoryID), SK: fmt.Sprintf("TAGGED#%s", tagID)})
		if err != nil {
			return engerrors.NewPermanent("failed to marshal tagged edge", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{TableName: aws.String(s.tableName), Item: taggedItem}})

		reverseItem, err := attributevalue.MarshalMap(struct {
			PK, SK string
		}{PK: tagPK(tagID), SK: fmt.Sprintf("TAGGEDBY#%s", memoryID)})
		if err != nil {
			return engerrors.NewPermanent("failed to marshal reverse tagged edge", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{TableName: aws.String(s.tableName), Item: reverseItem}})
	}

	update := expression.Set(expression.Name("ExtractionStatus"), expression.Value(string(memory.ExtractionComplete)))
	if category != nil {
		update = update.Set(expression.Name("Category"), expression.Value(string(*category)))
	}
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return engerrors.NewPermanent("failed to build memory update expression", err)
	}
	items = append(items, types.TransactWriteItem{Update: &types.Update{
		TableName: aws.String(s.tableName), Key: memoryKey(memoryID),
		UpdateExpression: expr.Update(), ExpressionAttributeNames: expr.Names(), ExpressionAttributeValues: expr.Values(),
	}})

	if len(items) == 0 {
		return nil
	}
	if _, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return engerrors.NewTransient("batch entity operation transaction failed", err)
	}
	return nil
}

func entityPK(id string) string { return fmt.Sprintf("ENTITY#%s", id) }
func tagPK(id string) string    { return fmt.Sprintf("TAG#%s", id) }

func entityLookupKey(e memory.Entity) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("ENTITY#LOOKUP#%s#%s", e.Type, e.Name)},
		"SK": &types.AttributeValueMemberS{Value: metadataSK},
	}
}

// getOrCreateEntityID implements the (name, type) MERGE invariant: attempt a
// conditional create of the lookup row; on a condition failure another
// writer won the race, so read back the winner's id.
func (s *Store) getOrCreateEntityID(ctx context.Context, e memory.Entity) (string, error) {
	id := uuid.New().String()
	item := entityLookupKey(e)
	item["EntityID"] = &types.AttributeValueMemberS{Value: id}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		entityItem, marshalErr := attributevalue.MarshalMap(struct {
			PK, SK, Name, Type, Description string
			Aliases                         []string
		}{PK: entityPK(id), SK: metadataSK, Name: e.Name, Type: string(e.Type), Description: e.Description, Aliases: e.Aliases})
		if marshalErr != nil {
			return "", engerrors.NewPermanent("failed to marshal entity metadata", marshalErr)
		}
		if _, putErr := s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.tableName), Item: entityItem}); putErr != nil {
			return "", engerrors.NewTransient("failed to write entity metadata", putErr)
		}
		return id, nil
	}

	if !isConditionalCheckFailure(err) {
		return "", engerrors.NewTransient("failed to create entity lookup row", err)
	}

	existing, getErr := s.client.GetItem(ctx, &dynamodb.GetItemInput{TableName: aws.String(s.tableName), Key: entityLookupKey(e)})
	if getErr != nil {
		return "", engerrors.NewTransient("failed to read entity lookup row", getErr)
	}
	if existing.Item == nil {
		return "", engerrors.NewPermanent("entity lookup row vanished after condition failure", nil)
	}
	existingID, ok := existing.Item["EntityID"].(*types.AttributeValueMemberS)
	if !ok {
		return "", engerrors.NewPermanent("entity lookup row missing EntityID", nil)
	}
	return existingID.Value, nil
}

func tagLookupKey(name string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("TAG#LOOKUP#%s", name)},
		"SK": &types.AttributeValueMemberS{Value: metadataSK},
	}
}

func (s *Store) getOrCreateTagID(ctx context.Context, t memory.Tag) (string, error) {
	id := uuid.New().String()
	item := tagLookupKey(t.Name)
	item["TagID"] = &types.AttributeValueMemberS{Value: id}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		tagItem, marshalErr := attributevalue.MarshalMap(struct{ PK, SK, Name, Category string }{
			PK: tagPK(id), SK: metadataSK, Name: t.Name, Category: t.Category,
		})
		if marshalErr != nil {
			return "", engerrors.NewPermanent("failed to marshal tag metadata", marshalErr)
		}
		if _, putErr := s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.tableName), Item: tagItem}); putErr != nil {
			return "", engerrors.NewTransient("failed to write tag metadata", putErr)
		}
		return id, nil
	}

	if !isConditionalCheckFailure(err) {
		return "", engerrors.NewTransient("failed to create tag lookup row", err)
	}
	existing, getErr := s.client.GetItem(ctx, &dynamodb.GetItemInput{TableName: aws.String(s.tableName), Key: tagLookupKey(t.Name)})
	if getErr != nil {
		return "", engerrors.NewTransient("failed to read tag lookup row", getErr)
	}
	if existing.Item == nil {
		return "", engerrors.NewPermanent("tag lookup row vanished after condition failure", nil)
	}
	existingID, ok := existing.Item["TagID"].(*types.AttributeValueMemberS)
	if !ok {
		return "", engerrors.NewPermanent("tag lookup row missing TagID", nil)
	}
	return existingID.Value, nil
}

func isConditionalCheckFailure(err error) bool {
	var condFailed *types.ConditionalCheckFailedException
	return errors.As(err, &condFailed)
}

// listAgentMemories pages through the agent GSI (or, when agentID is empty,
// every memory row) and decodes each into a domain Memory. Sleep-cycle
// phases that need a whole-store view — clustering, scoring, decay — build
// their working set this way and then run the same pure algorithms the
// in-memory store uses.
func (s *Store) listAgentMemories(ctx context.Context, agentID string) ([]memory.Memory, error) {
	var memories []memory.Memory

	if agentID != "" {
		keyEx := expression.Key("GSI1PK").Equal(expression.Value(fmt.Sprintf("AGENT#%s", agentID)))
		expr, err := expression.NewBuilder().WithKeyCondition(keyEx).Build()
		if err != nil {
			return nil, engerrors.NewPermanent("failed to build query expression", err)
		}
		paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
			TableName: aws.String(s.tableName), IndexName: aws.String(s.indexName),
			KeyConditionExpression: expr.KeyCondition(), ExpressionAttributeNames: expr.Names(), ExpressionAttributeValues: expr.Values(),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, engerrors.NewTransient("failed to page agent memories", err)
			}
			for _, item := range page.Items {
				var d ddbMemory
				if err := attributevalue.UnmarshalMap(item, &d); err != nil {
					continue
				}
				memories = append(memories, fromDDBMemory(d))
			}
		}
		return memories, nil
	}

	filter := expression.Name("SK").Equal(expression.Value(metadataSK))
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, engerrors.NewPermanent("failed to build scan expression", err)
	}
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.tableName),
		FilterExpression: expr.Filter(), ExpressionAttributeNames: expr.Names(), ExpressionAttributeValues: expr.Values(),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, engerrors.NewTransient("failed to scan memories", err)
		}
		for _, item := range page.Items {
			var d ddbMemory
			if err := attributevalue.UnmarshalMap(item, &d); err != nil {
				continue
			}
			if d.ID != "" {
				memories = append(memories, fromDDBMemory(d))
			}
		}
	}
	return memories, nil
}

func (s *Store) FindDuplicateClusters(ctx context.Context, threshold float64, agentID string, withScores bool) ([]graphstore.DuplicateCluster, error) {
	memories, err := s.listAgentMemories(ctx, agentID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]memory.Memory, len(memories))
	var ids []string
	for _, m := range memories {
		if m.Invalidated {
			continue
		}
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	embeddingOf := func(id string) []float32 { return byID[id].Embedding }
	textOf := func(id string) string { return byID[id].Text }
	importanceOf := func(id string) float64 { return byID[id].Importance }

	return graphstore.BuildDuplicateClusters(ids, embeddingOf, textOf, importanceOf, threshold, withScores), nil
}

func (s *Store) MergeMemoryCluster(ctx context.Context, ids []string, importances []float64) (graphstore.MergeResult, error) {
	if len(ids) == 0 {
		return graphstore.MergeResult{}, engerrors.NewValidation("cannot merge an empty cluster")
	}

	candidates := make([]graphstore.Survivor, 0, len(ids))
	rows := make(map[string]ddbMemory, len(ids))
	for _, id := range ids {
		out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{TableName: aws.String(s.tableName), Key: memoryKey(id)})
		if err != nil {
			return graphstore.MergeResult{}, engerrors.NewTransient("failed to read cluster member", err)
		}
		if out.Item == nil {
			continue
		}
		var d ddbMemory
		if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
			continue
		}
		rows[id] = d
		createdAt, _ := time.Parse(time.RFC3339Nano, d.CreatedAt)
		candidates = append(candidates, graphstore.Survivor{ID: id, Importance: d.Importance, RetrievalCount: d.RetrievalCount, CreatedAtUnix: createdAt.UnixNano()})
	}
	if len(candidates) == 0 {
		return graphstore.MergeResult{}, engerrors.NewNotFound("no surviving memory in cluster")
	}

	keptIdx := graphstore.PickSurvivor(candidates)
	keptID := candidates[keptIdx].ID

	totalRetrieval := 0
	maxImportance := rows[keptID].Importance
	for _, imp := range importances {
		if imp > maxImportance {
			maxImportance = imp
		}
	}
	deleted := 0
	var transactItems []types.TransactWriteItem
	for _, id := range ids {
		d, ok := rows[id]
		if !ok {
			continue
		}
		totalRetrieval += d.RetrievalCount
		if id == keptID {
			continue
		}
		update := expression.Set(expression.Name("Invalidated"), expression.Value(true))
		expr, err := expression.NewBuilder().WithUpdate(update).Build()
		if err != nil {
			return graphstore.MergeResult{}, engerrors.NewPermanent("failed to build invalidate expression", err)
		}
		transactItems = append(transactItems, types.TransactWriteItem{Update: &types.Update{
			TableName: aws.String(s.tableName), Key: memoryKey(id),
			UpdateExpression: expr.Update(), ExpressionAttributeNames: expr.Names(), ExpressionAttributeValues: expr.Values(),
		}})
		deleted++
	}

	survivorUpdate := expression.Set(expression.Name("RetrievalCount"), expression.Value(totalRetrieval)).
		Set(expression.Name("Importance"), expression.Value(maxImportance))
	expr, err := expression.NewBuilder().WithUpdate(survivorUpdate).Build()
	if err != nil {
		return graphstore.MergeResult{}, engerrors.NewPermanent("failed to build survivor update expression", err)
	}
	transactItems = append(transactItems, types.TransactWriteItem{Update: &types.Update{
		TableName: aws.String(s.tableName), Key: memoryKey(keptID),
		UpdateExpression: expr.Update(), ExpressionAttributeNames: expr.Names(), ExpressionAttributeValues: expr.Values(),
	}})

	if _, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: transactItems}); err != nil {
		return graphstore.MergeResult{}, engerrors.NewTransient("merge cluster transaction failed", err)
	}

	// Edge migration (MENTIONS/TAGGED) is a best-effort follow-up pass
	// outside the transaction: re-pointing adjacency rows for every loser
	// can exceed the 100-item transact-write limit for large clusters, so
	// it is done with individual idempotent writes instead.
	for _, id := range ids {
		if id == keptID {
			continue
		}
		if err := s.migrateMemoryEdges(ctx, id, keptID); err != nil {
			return graphstore.MergeResult{}, err
		}
	}

	return graphstore.MergeResult{KeptID: keptID, DeletedCount: deleted}, nil
}

func (s *Store) migrateMemoryEdges(ctx context.Context, fromID, toID string) error {
	for _, prefix := range []string{"MENTIONS#", "TAGGED#"} {
		keyEx := expression.Key("PK").Equal(expression.Value(memoryPK(fromID))).And(expression.Key("SK").BeginsWith(prefix))
		expr, err := expression.NewBuilder().WithKeyCondition(keyEx).Build()
		if err != nil {
			return engerrors.NewPermanent("failed to build edge migration query", err)
		}
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName: aws.String(s.tableName), KeyConditionExpression: expr.KeyCondition(),
			ExpressionAttributeNames: expr.Names(), ExpressionAttributeValues: expr.Values(),
		})
		if err != nil {
			return engerrors.NewTransient("failed to query edges to migrate", err)
		}
		for _, item := range out.Items {
			sk, ok := item["SK"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			newItem := map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: memoryPK(toID)},
				"SK": &types.AttributeValueMemberS{Value: sk.Value},
			}
			if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.tableName), Item: newItem}); err != nil {
				return engerrors.NewTransient("failed to write migrated edge", err)
			}
			if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key:       map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]},
			}); err != nil {
				return engerrors.NewTransient("failed to delete migrated edge", err)
			}
		}
	}
	return nil
}

func (s *Store) FindConflictingMemories(ctx context.Context, agentID string) ([]graphstore.ConflictPair, error) {
	memories, err := s.listAgentMemories(ctx, agentID)
	if err != nil {
		return nil, err
	}

	const conflictBandLow, conflictBandHigh = 0.4, 0.8
	var pairs []graphstore.ConflictPair
	for i := 0; i < len(memories); i++ {
		if memories[i].Invalidated {
			continue
		}
		for j := i + 1; j < len(memories); j++ {
			if memories[j].Invalidated {
				continue
			}
			sim := memory.CosineSimilarity(memories[i].Embedding, memories[j].Embedding)
			if sim >= conflictBandLow && sim < conflictBandHigh {
				pairs = append(pairs, graphstore.ConflictPair{
					MemoryA: memories[i].ID, MemoryB: memories[j].ID,
					TextA: memories[i].Text, TextB: memories[j].Text,
				})
			}
		}
	}
	return pairs, nil
}

func (s *Store) InvalidateMemory(ctx context.Context, id string) error {
	update := expression.Set(expression.Name("Invalidated"), expression.Value(true))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return engerrors.NewPermanent("failed to build invalidate expression", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName), Key: memoryKey(id),
		UpdateExpression: expr.Update(), ExpressionAttributeNames: expr.Names(), ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return engerrors.NewTransient("failed to invalidate memory", err)
	}
	return nil
}

func (s *Store) CalculateAllEffectiveScores(ctx context.Context, agentID string) ([]graphstore.EffectiveScoreRow, error) {
	memories, err := s.listAgentMemories(ctx, agentID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	rows := make([]graphstore.EffectiveScoreRow, 0, len(memories))
	for _, m := range memories {
		if m.Invalidated {
			continue
		}
		daysSinceAccess := now.Sub(m.LastAccessedAt).Hours() / 24
		rows = append(rows, graphstore.EffectiveScoreRow{
			ID: m.ID, Text: m.Text, Category: m.Category,
			EffectiveScore: memory.EffectiveScore(m.Importance, m.RetrievalCount, daysSinceAccess),
			RetrievalCount: m.RetrievalCount, AgeDays: m.AgeDays(now),
		})
	}
	return rows, nil
}

func (s *Store) PromoteToCore(ctx context.Context, ids []string) (int, error) {
	count := 0
	for _, id := range ids {
		update := expression.Set(expression.Name("Category"), expression.Value(string(memory.CategoryCore)))
		expr, err := expression.NewBuilder().WithUpdate(update).Build()
		if err != nil {
			return count, engerrors.NewPermanent("failed to build promote expression", err)
		}
		_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.tableName), Key: memoryKey(id),
			UpdateExpression: expr.Update(), ExpressionAttributeNames: expr.Names(), ExpressionAttributeValues: expr.Values(),
		})
		if err != nil {
			return count, engerrors.NewTransient("failed to promote memory", err)
		}
		count++
	}
	return count, nil
}

func (s *Store) FindDecayedMemories(ctx context.Context, opts graphstore.DecayOptions) ([]string, error) {
	memories, err := s.listAgentMemories(ctx, opts.AgentID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var ids []string
	for _, m := range memories {
		if m.Invalidated || m.UserPinned || m.Category == memory.CategoryCore {
			continue
		}
		ageDays := m.AgeDays(now)
		if memory.IsDecayed(m, ageDays, opts.RetentionThreshold, opts.BaseHalfLifeDays, opts.ImportanceMultiplier, opts.DecayCurves) {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (s *Store) PruneMemories(ctx context.Context, ids []string) (int, error) {
	count := 0
	for _, id := range ids {
		out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{TableName: aws.String(s.tableName), Key: memoryKey(id)})
		if err != nil {
			return count, engerrors.NewTransient("failed to read memory before prune", err)
		}
		if out.Item == nil {
			continue
		}
		var d ddbMemory
		if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
			continue
		}
		if d.Category == string(memory.CategoryCore) || d.UserPinned {
			continue
		}
		if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: aws.String(s.tableName), Key: memoryKey(id)}); err != nil {
			return count, engerrors.NewTransient("failed to delete memory", err)
		}
		count++
	}
	return count, nil
}

// findOrphans scans for nodes of the given kind (ENTITY or TAG) whose
// reverse-adjacency row count is zero, mirroring the keyword/edge scan
// pattern the teacher's ddb layer uses for cleanup passes.
func (s *Store) findOrphans(ctx context.Context, kindPrefix, reversePrefix string) ([]string, error) {
	filter := expression.Name("SK").Equal(expression.Value(metadataSK)).And(expression.Name("PK").BeginsWith(kindPrefix))
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, engerrors.NewPermanent("failed to build orphan scan expression", err)
	}
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.tableName), FilterExpression: expr.Filter(),
		ExpressionAttributeNames: expr.Names(), ExpressionAttributeValues: expr.Values(),
	})

	var orphans []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, engerrors.NewTransient("failed to scan for orphans", err)
		}
		for _, item := range page.Items {
			pk, ok := item["PK"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			id := pk.Value[len(kindPrefix):]
			keyEx := expression.Key("PK").Equal(expression.Value(pk.Value)).And(expression.Key("SK").BeginsWith(reversePrefix))
			qexpr, err := expression.NewBuilder().WithKeyCondition(keyEx).Build()
			if err != nil {
				continue
			}
			countOut, err := s.client.Query(ctx, &dynamodb.QueryInput{
				TableName: aws.String(s.tableName), KeyConditionExpression: qexpr.KeyCondition(),
				ExpressionAttributeNames: qexpr.Names(), ExpressionAttributeValues: qexpr.Values(), Select: types.SelectCount,
			})
			if err != nil {
				return nil, engerrors.NewTransient("failed to count reverse edges", err)
			}
			if countOut.Count == 0 {
				orphans = append(orphans, id)
			}
		}
	}
	return orphans, nil
}

func (s *Store) FindOrphanEntities(ctx context.Context) ([]string, error) {
	return s.findOrphans(ctx, "ENTITY#", "MENTIONEDBY#")
}

func (s *Store) DeleteEntities(ctx context.Context, ids []string) (int, error) {
	count := 0
	for _, id := range ids {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key:       map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: entityPK(id)}, "SK": &types.AttributeValueMemberS{Value: metadataSK}},
		})
		if err != nil {
			return count, engerrors.NewTransient("failed to delete entity", err)
		}
		count++
	}
	return count, nil
}

func (s *Store) FindOrphanTags(ctx context.Context) ([]string, error) {
	return s.findOrphans(ctx, "TAG#", "TAGGEDBY#")
}

func (s *Store) DeleteTags(ctx context.Context, ids []string) (int, error) {
	count := 0
	for _, id := range ids {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key:       map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: tagPK(id)}, "SK": &types.AttributeValueMemberS{Value: metadataSK}},
		})
		if err != nil {
			return count, engerrors.NewTransient("failed to delete tag", err)
		}
		count++
	}
	return count, nil
}

func (s *Store) ListPendingExtractions(ctx context.Context, limit int, agentID string) ([]graphstore.PendingExtraction, error) {
	memories, err := s.listAgentMemories(ctx, agentID)
	if err != nil {
		return nil, err
	}
	rows := make([]graphstore.PendingExtraction, 0, limit)
	for _, m := range memories {
		if m.ExtractionStatus != memory.ExtractionPending || m.Invalidated {
			continue
		}
		rows = append(rows, graphstore.PendingExtraction{ID: m.ID, Text: m.Text, ExtractionRetries: m.ExtractionRetries})
		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

func (s *Store) CountByExtractionStatus(ctx context.Context, agentID string) (map[memory.ExtractionStatus]int, error) {
	memories, err := s.listAgentMemories(ctx, agentID)
	if err != nil {
		return nil, err
	}
	counts := make(map[memory.ExtractionStatus]int)
	for _, m := range memories {
		counts[m.ExtractionStatus]++
	}
	return counts, nil
}

func (s *Store) FindMemoriesMatching(ctx context.Context, matches func(text string) bool, agentID string) ([]string, error) {
	memories, err := s.listAgentMemories(ctx, agentID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range memories {
		if m.Category == memory.CategoryCore || m.UserPinned {
			continue
		}
		if matches(m.Text) {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

var _ graphstore.Store = (*Store)(nil)
