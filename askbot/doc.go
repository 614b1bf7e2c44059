// Package askbot implements a Discord bot that answers questions with a
// chat completion model or a web search, and holds conversations in
// discord threads.
//
// Key components of the package include:
//
//   - Bot: ties together the discord session, database and HTTP servers.
//   - AnswerResolver: produces an answer with completion or web search.
//   - AskDispatcher and Collector: handle the buttons attached to answers.
//   - CooldownGate: limits how often each user can ask.
//   - QuestionStore: persists questions and answers.
//   - API: health checks, metrics and read-only question/user data.
//
// The bot supports these commands:
//
//   - /ask: Answers a prompt, optionally with web search or a previous
//     question as context. The answer is shown privately, with buttons to
//     reveal it publicly, favorite it, get a QR code link to it, or
//     regenerate it.
//   - /chat: Starts a thread where the invoking user can chat with the model.
//   - /usage: Shows remaining answers and question counts.
//
// Interactions can be received via the gateway or via webhook. With
// postgres, user changes made by the CLI are propagated to running
// instances with LISTEN/NOTIFY.
package askbot
