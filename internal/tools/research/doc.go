// Package research provides the retrieval tools the conversation engine
// offers the model.
//
// Tools:
//   - web_fetch: fetch one URL through the content cache
//   - fetch_urls: fetch several URLs concurrently
//   - web_search: query the configured search provider
//   - get_relevant_content: rank cached documents against a query
//   - remember_fact: store a fact about the user for later conversations
package research
