package analysis

const analysisPrompt = `You analyze customer service conversations for an automotive service booking company.
Today's date is %s.

Read the conversation below and return a single JSON object with exactly these fields:

- service_category: the service the customer asked about (e.g. "PMS", "car_buying_assistance", "diagnosis", "repair", "inquiry_only")
- summary: one or two sentences describing what happened in the conversation
- intent_rating: how likely the customer is to book ("hot", "warm", "cold")
- engagement_rating: 1-5, how engaged the customer was
- clarity_rating: 1-5, how clearly the customer's need came across
- resolution_rating: 1-5, how fully the agent resolved the request
- sentiment_rating: overall customer sentiment ("positive", "neutral", "negative")
- location: the service location the customer mentioned, or "" if none
- schedule_date: requested date in YYYY-MM-DD if mentioned, resolved relative to today's date, or ""
- schedule_time: requested time if mentioned, or ""
- car: the customer's vehicle as stated (year, make), or ""
- contact_num: contact number if shared, or ""
- payment: payment method or arrangement discussed, or ""
- inspection: whether an inspection was discussed and its outcome, or ""
- quotation: any price or quotation given, or ""
- model: the vehicle model, or ""

Use "" for any field the conversation does not cover. Do not invent details.

Conversation:
%s`
